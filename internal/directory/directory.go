// internal/directory/directory.go
package directory

import (
	"context"
	"database/sql"

	"github.com/rebirthhq/comms-service/internal/model"
)

// Directory resolves the ordered recipient list for a communication. The
// list must be stable for the duration of one fan-out call.
type Directory interface {
	ResolveRecipients(ctx context.Context, c *model.Communication) ([]model.Recipient, error)
}

// ContactGroupDirectory resolves recipients from contact-group membership.
type ContactGroupDirectory struct {
	DB *sql.DB
}

// ResolveRecipients returns the farmers subscribed to the communication's
// contact group, in subscription order.
func (d *ContactGroupDirectory) ResolveRecipients(ctx context.Context, c *model.Communication) ([]model.Recipient, error) {
	query := `
        SELECT f.id, f.phone, f.name
        FROM farmers f
        JOIN contact_group_subscribers s ON s.farmer_id = f.id
        WHERE s.contact_group_id = $1
        ORDER BY s.id ASC
    `
	rows, err := d.DB.QueryContext(ctx, query, c.ContactGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var r model.Recipient
		var phone sql.NullString
		if err := rows.Scan(&r.ID, &phone, &r.Name); err != nil {
			return nil, err
		}
		r.Phone = phone.String
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

var _ Directory = (*ContactGroupDirectory)(nil)
