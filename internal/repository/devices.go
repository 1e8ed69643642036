package repository

import (
	"context"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

const deviceColumns = `d.id, d.site_id, s.organisation_id, s.external_id AS site_external_id,
	d.external_id, d.mac, d.status, d.last_seen_at, d.capabilities`

func (r *Repos) DeviceByExternalID(ctx context.Context, externalID string) (*domain.Device, error) {
	var d domain.Device
	err := r.db.GetContext(ctx, &d, `SELECT `+deviceColumns+`
		FROM devices d JOIN sites s ON s.id = d.site_id
		WHERE d.external_id = $1`, externalID)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// DeviceForOrg loads a device only if it belongs to the organisation.
func (r *Repos) DeviceForOrg(ctx context.Context, deviceID, orgID string) (*domain.Device, error) {
	var d domain.Device
	err := r.db.GetContext(ctx, &d, `SELECT `+deviceColumns+`
		FROM devices d JOIN sites s ON s.id = d.site_id
		WHERE d.id = $1 AND s.organisation_id = $2`, deviceID, orgID)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repos) OrganisationForDevice(ctx context.Context, deviceID string) (string, error) {
	var orgID string
	err := r.db.GetContext(ctx, &orgID, `SELECT s.organisation_id
		FROM devices d JOIN sites s ON s.id = d.site_id
		WHERE d.id = $1`, deviceID)
	return orgID, notFound(err)
}

func (r *Repos) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET status = $2 WHERE id = $1`, deviceID, domain.DeviceOffline)
	return err
}
