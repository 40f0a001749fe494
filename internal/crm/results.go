package crm

import (
	"context"
	"strings"
)

const resultsOrder = "contacts.date_entered DESC"

// Filter narrows the results table. Empty fields match everything.
type Filter struct {
	DateRange          string `json:"date_range"`
	Country            string `json:"country"`
	AffiliateCompanyID string `json:"affiliate_company_id"`
	Status             string `json:"status_c"`
}

// Active reports whether any filter field is set.
func (f Filter) Active() bool {
	return strings.TrimSpace(f.DateRange) != "" ||
		strings.TrimSpace(f.Country) != "" ||
		strings.TrimSpace(f.AffiliateCompanyID) != "" ||
		strings.TrimSpace(f.Status) != ""
}

// Record is one validation result row.
type Record struct {
	ContactID          string `json:"contact_id"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	CustomerName       string `json:"customer_name"`
	DateEntered        string `json:"date_entered"`
	Status             string `json:"status_c"`
	AffiliateCompanyID string `json:"affiliate_company_id"`
	PassportCountry    string `json:"passport_country"`
	DocumentID         string `json:"document_id"`
	DocumentRevisionID string `json:"document_revision_id"`
	Filename           string `json:"filename"`
	CreditCardID       string `json:"credit_card_id"`
	CCNExpected        string `json:"ccn_expected"`
	CCNActual          string `json:"ccn_actual"`
	LuhnTestExpected   string `json:"luhn_test_expected"`
	LuhnTestActual     string `json:"luhn_test_actual"`
}

// DisplayName returns the customer name, falling back to first and last name.
func (r Record) DisplayName() string {
	if r.CustomerName != "" {
		return r.CustomerName
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// ResultsPage is one page of validation results.
type ResultsPage struct {
	Records       []Record `json:"records"`
	Page          int      `json:"page"`
	TotalPages    int      `json:"total_pages"`
	RecordsOnPage int      `json:"records_on_page"`
}

// ContactIDs returns the contact ids of every record on the page.
func (p *ResultsPage) ContactIDs() []string {
	ids := make([]string, 0, len(p.Records))
	for _, r := range p.Records {
		if r.ContactID != "" {
			ids = append(ids, r.ContactID)
		}
	}
	return ids
}

type resultsRequest struct {
	FilterParts Filter `json:"filter_parts"`
	PageNo      int    `json:"page_no"`
	OrderBy     string `json:"order_by"`
}

type resultsResponse struct {
	Data []struct {
		Attributes Record `json:"attributes"`
	} `json:"data"`
	Meta struct {
		TotalPages    *int `json:"total-pages"`
		RecordsOnPage *int `json:"records-on-this-page"`
	} `json:"meta"`
}

// FetchResults returns one page of results matching filter, newest first.
// Pages below 1 are treated as 1.
func (c *Client) FetchResults(ctx context.Context, filter Filter, page int) (*ResultsPage, error) {
	if page < 1 {
		page = 1
	}

	req := resultsRequest{
		FilterParts: filter,
		PageNo:      page,
		OrderBy:     resultsOrder,
	}

	var resp resultsResponse
	if err := c.post(ctx, c.api, "/customer/get-credit-card-validation-data", req, &resp, nil); err != nil {
		return nil, err
	}

	out := &ResultsPage{
		Records:    make([]Record, 0, len(resp.Data)),
		Page:       page,
		TotalPages: 1,
	}
	for _, item := range resp.Data {
		out.Records = append(out.Records, item.Attributes)
	}
	if resp.Meta.TotalPages != nil && *resp.Meta.TotalPages > 0 {
		out.TotalPages = *resp.Meta.TotalPages
	}
	if resp.Meta.RecordsOnPage != nil {
		out.RecordsOnPage = *resp.Meta.RecordsOnPage
	}

	return out, nil
}
