package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AlphaCheck is one entry of an alpha's "is.checks" list.
type AlphaCheck struct {
	Name   string          `json:"name"`
	Result string          `json:"result"`
	Value  json.RawMessage `json:"value,omitempty"`
	Limit  json.RawMessage `json:"limit,omitempty"`
}

// AlphaSummary is the subset of an alpha record used for triage.
type AlphaSummary struct {
	ID          string
	Name        string
	DateCreated string
	Expression  string
	Region      string
	Decay       int
	Sharpe      float64
	Fitness     float64
	Turnover    float64
	Margin      float64
	LongCount   int
	ShortCount  int
	Checks      []AlphaCheck
}

// HasFailedChecks reports whether any check already failed.
func (a AlphaSummary) HasFailedChecks() bool {
	for _, c := range a.Checks {
		if c.Result == "FAIL" {
			return true
		}
	}
	return false
}

type alphaRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DateCreated string `json:"dateCreated"`
	Settings    struct {
		Region string `json:"region"`
		Decay  int    `json:"decay"`
	} `json:"settings"`
	Regular struct {
		Code string `json:"code"`
	} `json:"regular"`
	IS struct {
		Sharpe     float64      `json:"sharpe"`
		Fitness    float64      `json:"fitness"`
		Turnover   float64      `json:"turnover"`
		Margin     float64      `json:"margin"`
		LongCount  int          `json:"longCount"`
		ShortCount int          `json:"shortCount"`
		Checks     []AlphaCheck `json:"checks"`
	} `json:"is"`
}

func (r alphaRecord) summary() AlphaSummary {
	return AlphaSummary{
		ID:          r.ID,
		Name:        r.Name,
		DateCreated: r.DateCreated,
		Expression:  r.Regular.Code,
		Region:      r.Settings.Region,
		Decay:       r.Settings.Decay,
		Sharpe:      r.IS.Sharpe,
		Fitness:     r.IS.Fitness,
		Turnover:    r.IS.Turnover,
		Margin:      r.IS.Margin,
		LongCount:   r.IS.LongCount,
		ShortCount:  r.IS.ShortCount,
		Checks:      r.IS.Checks,
	}
}

// AlphaQuery filters the user's unsubmitted alphas.
type AlphaQuery struct {
	// Created window; zero values leave the bound open.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	MinSharpe   float64
	MinFitness  float64
	MaxTurnover float64
	Region      string

	// Limit caps the number of records fetched. Default: 100
	Limit int

	// MinPositions skips alphas whose long+short count is not above it.
	// Default: 100
	MinPositions int
}

const alphaPageSize = 100

// rawQuery renders the filter in the service's operator syntax
// ("field>value" percent-encoded as field%3Evalue).
func (q AlphaQuery) rawQuery(offset int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "limit=%d&offset=%d", alphaPageSize, offset)
	b.WriteString("&status=UNSUBMITTED%1FIS_FAIL")
	if !q.CreatedAfter.IsZero() {
		b.WriteString("&dateCreated%3E=" + url.QueryEscape(q.CreatedAfter.Format(time.RFC3339)))
	}
	if !q.CreatedBefore.IsZero() {
		b.WriteString("&dateCreated%3C" + url.QueryEscape(q.CreatedBefore.Format(time.RFC3339)))
	}
	b.WriteString("&is.fitness%3E" + formatFloat(q.MinFitness))
	b.WriteString("&is.sharpe%3E" + formatFloat(q.MinSharpe))
	if q.Region != "" {
		b.WriteString("&settings.region=" + url.QueryEscape(q.Region))
	}
	b.WriteString("&order=is.sharpe&hidden=false&type!=SUPER")
	if q.MaxTurnover > 0 {
		b.WriteString("&is.turnover%3C" + formatFloat(q.MaxTurnover))
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ListAlphas pages through the user's unsubmitted alphas matching q.
//
// Alphas with too few positions or a turnover at or above the bound are
// skipped.
func (c *Client) ListAlphas(ctx context.Context, q AlphaQuery) ([]AlphaSummary, error) {
	if q.Limit <= 0 {
		q.Limit = alphaPageSize
	}
	if q.MinPositions <= 0 {
		q.MinPositions = 100
	}

	var out []AlphaSummary
	seen := 0
	for offset := 0; offset < q.Limit; offset += alphaPageSize {
		resp, err := c.exec.Do(ctx, &Request{
			Op:     "ListAlphas",
			Method: http.MethodGet,
			Target: "/users/self/alphas?" + q.rawQuery(offset),
		})
		if err != nil {
			return out, err
		}

		var page struct {
			Count   int           `json:"count"`
			Results []alphaRecord `json:"results"`
		}
		if err := resp.DecodeJSON(&page); err != nil {
			return out, err
		}
		if len(page.Results) == 0 {
			break
		}

		for _, rec := range page.Results {
			seen++
			a := rec.summary()
			if a.LongCount+a.ShortCount <= q.MinPositions {
				continue
			}
			if q.MaxTurnover > 0 && a.Turnover >= q.MaxTurnover {
				continue
			}
			out = append(out, a)
		}
	}

	c.logger.Info("Listed alphas", zap.Int("scanned", seen), zap.Int("candidates", len(out)))
	return out, nil
}

// CountAlphas returns how many alphas the user has with the given status.
func (c *Client) CountAlphas(ctx context.Context, status string) (int, error) {
	resp, err := c.exec.Do(ctx, &Request{
		Op:     "CountAlphas",
		Method: http.MethodGet,
		Target: "/users/self/alphas?limit=1&status=" + url.QueryEscape(status),
	})
	if err != nil {
		return 0, err
	}
	var page struct {
		Count int `json:"count"`
	}
	if err := resp.DecodeJSON(&page); err != nil {
		return 0, err
	}
	return page.Count, nil
}

// GetAlpha fetches the full alpha record.
func (c *Client) GetAlpha(ctx context.Context, alphaID string) ([]byte, error) {
	resp, err := c.exec.Do(ctx, &Request{
		Op:     "GetAlpha",
		Method: http.MethodGet,
		Target: "/alphas/" + url.PathEscape(alphaID),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CheckSubmission runs the pre-submission checks of an alpha and returns the
// final check document, waiting out any Retry-After hints.
func (c *Client) CheckSubmission(ctx context.Context, alphaID string) ([]byte, error) {
	for {
		resp, err := c.exec.Do(ctx, &Request{
			Op:     "CheckSubmission",
			Method: http.MethodGet,
			Target: "/alphas/" + url.PathEscape(alphaID) + "/check",
		})
		if err != nil {
			return nil, err
		}
		wait, ok := resp.RetryAfter()
		if !ok || wait <= 0 {
			return resp.Body, nil
		}
		if err := Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Properties are the editable descriptive fields of an alpha.
type Properties struct {
	Name  string
	Color string
	Tags  []string

	RegularDescription   string
	ComboDescription     string
	SelectionDescription string
}

type description struct {
	Description string `json:"description"`
}

type propertiesBody struct {
	Color     *string     `json:"color"`
	Name      *string     `json:"name"`
	Tags      []string    `json:"tags"`
	Category  *string     `json:"category"`
	Regular   description `json:"regular"`
	Combo     description `json:"combo"`
	Selection description `json:"selection"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// SetProperties updates an alpha's name, color, tags and descriptions.
func (c *Client) SetProperties(ctx context.Context, alphaID string, p Properties) error {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	body, err := json.Marshal(propertiesBody{
		Color:     optional(p.Color),
		Name:      optional(p.Name),
		Tags:      tags,
		Regular:   description{Description: orNone(p.RegularDescription)},
		Combo:     description{Description: orNone(p.ComboDescription)},
		Selection: description{Description: orNone(p.SelectionDescription)},
	})
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}

	_, err = c.exec.Do(ctx, &Request{
		Op:     "SetProperties",
		Method: http.MethodPatch,
		Target: "/alphas/" + url.PathEscape(alphaID),
		Body:   body,
	})
	if err != nil {
		return err
	}
	c.logger.Debug("Alpha properties updated", zap.String("alpha", alphaID), zap.Strings("tags", tags))
	return nil
}
