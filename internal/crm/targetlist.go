package crm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
)

type targetListData struct {
	Name       string   `json:"targetlist_name" validate:"required"`
	ContactIDs []string `json:"contact_ids" validate:"min=1,dive,required"`
}

type targetListRequest struct {
	Data targetListData `json:"data"`
}

// TargetListResponse is the CRM's answer to a target list creation.
type TargetListResponse struct {
	Message string `json:"message"`
}

// CreateTargetList creates a marketing target list named name containing
// the given contacts. The name is trimmed and must not be empty.
func (c *Client) CreateTargetList(ctx context.Context, name string, contactIDs []string) (*TargetListResponse, error) {
	data := targetListData{
		Name:       strings.TrimSpace(name),
		ContactIDs: contactIDs,
	}
	if err := validateRequest(data); err != nil {
		return nil, err
	}

	var resp TargetListResponse
	if err := c.post(ctx, c.api, "/customer/create-target-list-from-contacts", targetListRequest{Data: data}, &resp, nil); err != nil {
		return nil, err
	}

	slog.Info("target list created",
		"name", logsanitize.Sanitize(data.Name),
		"contacts", len(contactIDs),
	)

	return &resp, nil
}
