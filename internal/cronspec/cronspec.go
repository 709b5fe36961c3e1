// Package cronspec computes next-fire instants for Saltpeter's seven-field
// cron expressions (sec min hour dom mon dow year), using
// github.com/gorhill/cronexpr to parse a "sec min hour dom mon dow year"
// layout. robfig/cron/v3 has no year field and cannot express this
// layout, so it is not used here (see DESIGN.md).
package cronspec

import (
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/syscollective/saltpeter/internal/config"
)

// Expression wraps a parsed seven-field cron expression.
type Expression struct {
	raw  string
	expr *cronexpr.Expression
}

// Parse builds an Expression from a CronDef's six conventional fields plus
// Sec and Year. def.Sec and def.Year are expected to already carry their
// defaults ("0" and "*" respectively); CronDef.applyDefaultsAndValidate,
// run by Loader.Load, guarantees this for definitions that came from a
// config file.
func Parse(def config.CronDef) (*Expression, error) {
	sec := def.Sec
	if sec == "" {
		sec = "0"
	}
	year := def.Year
	if year == "" {
		year = "*"
	}

	raw := fmt.Sprintf("%s %s %s %s %s %s %s", sec, def.Min, def.Hour, def.Dom, def.Mon, def.Dow, year)
	expr, err := cronexpr.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", raw, err)
	}
	return &Expression{raw: raw, expr: expr}, nil
}

// Next returns the next fire instant strictly after from, computed in
// next_run is always computed in UTC.
func (e *Expression) Next(from time.Time) time.Time {
	return e.expr.Next(from.UTC())
}

// String returns the normalized seven-field expression.
func (e *Expression) String() string { return e.raw }
