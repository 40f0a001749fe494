package crm

import (
	"context"
	"net/http"
	"strings"
)

// Option is a value/label pair for a filter dropdown.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// DateRangeOptions are the date ranges understood by the results endpoint.
var DateRangeOptions = []Option{
	{Value: "today", Label: "Today"},
	{Value: "yesterday", Label: "Yesterday"},
	{Value: "last_7_days", Label: "Last 7 Days"},
	{Value: "last_30_days", Label: "Last 30 Days"},
	{Value: "this_month", Label: "This Month"},
	{Value: "last_month", Label: "Last Month"},
	{Value: "custom", Label: "Custom Range"},
}

// StatusOptions are the record statuses a result can be filtered by.
var StatusOptions = []Option{
	{Value: "refund_request_created", Label: "Refund Request Created"},
	{Value: "check_0", Label: "Check 0"},
	{Value: "check_0_reject", Label: "Check 0 - Reject"},
	{Value: "claim", Label: "Claim"},
	{Value: "facturacion", Label: "Facturacion"},
	{Value: "cs_missing_docs", Label: "CS Missing Docs"},
	{Value: "lost", Label: "Lost"},
	{Value: "quality_control", Label: "Quality Control"},
	{Value: "check_2_pending", Label: "Check 2 - Pending"},
	{Value: "check_2_reject", Label: "Check 2 - Reject"},
	{Value: "contabilidad_pending", Label: "Contabilidad - Pending"},
	{Value: "approved_for_payment", Label: "Approved for Payment"},
	{Value: "sent_to_payment", Label: "Submitted 4 Payment to PP"},
	{Value: "paid", Label: "Paid"},
	{Value: "approved_by_sat", Label: "Approved by SAT"},
	{Value: "check_0_error", Label: "Check 0 - Error"},
	{Value: "quarantine", Label: "Quarantine"},
	{Value: "submitted_to_sat", Label: "Submitted to SAT"},
}

type affiliatesResponse struct {
	AffiliateCompanies []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"affiliate_companies"`
}

// FetchAffiliates returns the affiliate companies as dropdown options.
func (c *Client) FetchAffiliates(ctx context.Context) ([]Option, error) {
	var resp affiliatesResponse
	if err := c.post(ctx, c.api, "/portal/fetch-affiliates", struct{}{}, &resp, nil); err != nil {
		return nil, err
	}

	if resp.AffiliateCompanies == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "No affiliate companies found"}
	}

	options := make([]Option, 0, len(resp.AffiliateCompanies))
	for _, a := range resp.AffiliateCompanies {
		options = append(options, Option{Value: a.ID, Label: a.Name})
	}
	return options, nil
}

type dashboardResponse struct {
	TopCountries []struct {
		CountryName string `json:"country_name"`
	} `json:"top_10_countries"`
}

// FetchCountries returns the countries listed on the CRM dashboard as
// dropdown options. Names are trimmed; blanks and duplicates are dropped
// and the first occurrence keeps its position.
func (c *Client) FetchCountries(ctx context.Context) ([]Option, error) {
	var resp dashboardResponse
	if err := c.post(ctx, c.api, "/dashboard/get-dashboard-data", struct{}{}, &resp, nil); err != nil {
		return nil, err
	}

	if resp.TopCountries == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "No countries found"}
	}

	seen := make(map[string]bool, len(resp.TopCountries))
	options := make([]Option, 0, len(resp.TopCountries))
	for _, country := range resp.TopCountries {
		name := strings.TrimSpace(country.CountryName)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		options = append(options, Option{Value: name, Label: name})
	}
	return options, nil
}

// Label returns the label for value, or value itself if it is not listed.
func Label(options []Option, value string) string {
	for _, o := range options {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}
