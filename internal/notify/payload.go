package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// buildPayload snapshots an alert for delivery. The snapshot is frozen at
// enqueue time; later alert edits do not change what a channel receives.
func buildPayload(alert *models.FleetAlert, event string) models.AlertPayload {
	return models.AlertPayload{
		AlertID:       alert.AlertID,
		TenantID:      alert.TenantID,
		DeviceID:      alert.DeviceID,
		SiteID:        alert.SiteID,
		Severity:      alert.Severity,
		SeverityLabel: models.SeverityLabel(alert.Severity),
		AlertType:     alert.AlertType,
		Summary:       alert.Summary,
		Details:       alert.Details,
		TriggeredAt:   alert.TriggeredAt,
		TriggerEvent:  event,
	}
}

// testPayload is the canned snapshot for synchronous channel tests.
func testPayload(tenantID string) models.AlertPayload {
	return models.AlertPayload{
		AlertID:       uuid.New().String(),
		TenantID:      tenantID,
		DeviceID:      "test-device",
		Severity:      3,
		SeverityLabel: models.SeverityLabel(3),
		AlertType:     "TEST",
		Summary:       "Test notification from OpsConductor Pulse",
		TriggeredAt:   time.Now().UTC(),
		TriggerEvent:  models.TriggerOpen,
		Test:          true,
	}
}

// payloadToJSONB converts a payload to the job-row document.
func payloadToJSONB(p models.AlertPayload) (models.JSONB, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, faults.Wrapf(faults.KindPermanent, err, "encode payload")
	}
	var doc models.JSONB
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, faults.Wrapf(faults.KindPermanent, err, "encode payload")
	}
	return doc, nil
}

// payloadFromJSONB decodes a job-row document back into a payload.
func payloadFromJSONB(doc models.JSONB) (models.AlertPayload, error) {
	var p models.AlertPayload
	raw, err := json.Marshal(doc)
	if err != nil {
		return p, faults.Wrapf(faults.KindPermanent, err, "decode payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, faults.Wrapf(faults.KindPermanent, err, "decode payload")
	}
	return p, nil
}
