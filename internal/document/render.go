package document

import (
	"bytes"
	"fmt"
	"path"
	"text/template"
	"time"
)

// ContentType of rendered contracts.
const ContentType = "text/plain; charset=utf-8"

// Contract is the data printed on a policy contract summary.
type Contract struct {
	PolicyID      string
	PolicyNumber  string
	QuoteID       string
	ProspectID    string
	Provider      string
	InsuranceType string
	PremiumCents  int64
	StartDate     time.Time
	EndDate       time.Time
	IssuedAt      time.Time
}

// Key returns the object key of the contract: policies/YYYY/NUMBER.txt.
func (c Contract) Key() string {
	return path.Join("policies", c.StartDate.Format("2006"), c.PolicyNumber+".txt")
}

const contractLayout = `POLICY CONTRACT SUMMARY
=======================

Policy number:   {{.PolicyNumber}}
Policy id:       {{.PolicyID}}
Quote:           {{.QuoteID}}
Policy holder:   {{.ProspectID}}

Provider:        {{.Provider}}
Coverage:        {{.InsuranceType}}
Annual premium:  {{money .PremiumCents}}

Valid from:      {{date .StartDate}}
Valid until:     {{date .EndDate}}

Issued {{.IssuedAt.UTC.Format "2006-01-02 15:04 MST"}}
`

var funcs = template.FuncMap{
	"money": Money,
	"date":  func(t time.Time) string { return t.Format("2006-01-02") },
}

// Renderer produces contract summaries.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the contract layout.
func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("contract").Funcs(funcs).Parse(contractLayout))}
}

// Render returns the contract summary of c.
func (r *Renderer) Render(c Contract) ([]byte, error) {
	if c.PolicyNumber == "" {
		return nil, fmt.Errorf("render contract: policy number is required")
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, c); err != nil {
		return nil, fmt.Errorf("render contract %s: %w", c.PolicyNumber, err)
	}
	return buf.Bytes(), nil
}

// Money formats cents as a decimal amount, e.g. 123456 -> "1234.56".
func Money(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
