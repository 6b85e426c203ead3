// Package roster loads the technician and panel roster from YAML and seeds
// it into a store.
package roster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

// Roster is the decoded roster file.
type Roster struct {
	Technicians []Technician `yaml:"technicians"`
	Panels      []Panel      `yaml:"panels"`
}

// Technician is one roster entry for a technician.
type Technician struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Email  string   `yaml:"email"`
	Status string   `yaml:"status"`
	Skills []string `yaml:"skills"`
}

// Panel is one roster entry for a panel.
type Panel struct {
	Code   string `yaml:"code"`
	Zone   string `yaml:"zone"`
	Row    int    `yaml:"row"`
	Column int    `yaml:"column"`
	Status string `yaml:"status"`
}

// Result counts what Apply wrote.
type Result struct {
	TechniciansAdded int
	PanelsAdded      int
	Skipped          int
}

// LoadFile reads and decodes a roster file.
func LoadFile(path string) (*Roster, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is from operator config, not user input
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	r, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Decode parses a roster document. Unknown keys are rejected.
func Decode(rd io.Reader) (*Roster, error) {
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)

	var r Roster
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks every entry and reports all problems at once.
func (r *Roster) Validate() error {
	var errs []error
	techIDs := make(map[string]bool)
	for i, t := range r.Technicians {
		switch {
		case strings.TrimSpace(t.ID) == "":
			errs = append(errs, fmt.Errorf("technicians[%d]: id is required", i))
		case techIDs[t.ID]:
			errs = append(errs, fmt.Errorf("technicians[%d]: duplicate id %q", i, t.ID))
		}
		techIDs[t.ID] = true
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("technicians[%d]: name is required", i))
		}
		switch t.Status {
		case "", solar.TechnicianAvailable, solar.TechnicianBusy, solar.TechnicianOffline:
		default:
			errs = append(errs, fmt.Errorf("technicians[%d]: unknown status %q", i, t.Status))
		}
	}

	codes := make(map[string]bool)
	for i, p := range r.Panels {
		switch {
		case strings.TrimSpace(p.Code) == "":
			errs = append(errs, fmt.Errorf("panels[%d]: code is required", i))
		case codes[p.Code]:
			errs = append(errs, fmt.Errorf("panels[%d]: duplicate code %q", i, p.Code))
		}
		codes[p.Code] = true
		if p.Row < 0 || p.Column < 0 {
			errs = append(errs, fmt.Errorf("panels[%d]: row and column must be >= 0", i))
		}
		switch p.Status {
		case "", solar.PanelHealthy, solar.PanelWarning, solar.PanelFault, solar.PanelOffline:
		default:
			errs = append(errs, fmt.Errorf("panels[%d]: unknown status %q", i, p.Status))
		}
	}
	return errors.Join(errs...)
}

// Apply writes the roster into store inside one transaction. Entries that
// already exist are left untouched, so applying the same roster twice is a
// no-op.
func (r *Roster) Apply(ctx context.Context, store solar.Store, now time.Time, logger log.Logger) (Result, error) {
	if logger == nil {
		logger = log.Nop()
	}
	var res Result
	err := store.InTx(ctx, func(ctx context.Context, tx solar.Store) error {
		res = Result{}
		for _, t := range r.Technicians {
			if _, ok, err := tx.GetTechnician(ctx, t.ID); err != nil {
				return fmt.Errorf("lookup technician %s: %w", t.ID, err)
			} else if ok {
				res.Skipped++
				continue
			}
			err := tx.CreateTechnician(ctx, &solar.Technician{
				ID:     t.ID,
				Name:   t.Name,
				Email:  t.Email,
				Status: orDefault(t.Status, solar.TechnicianAvailable),
				Skills: t.Skills,
			})
			if errors.Is(err, solar.ErrConflict) {
				res.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("create technician %s: %w", t.ID, err)
			}
			res.TechniciansAdded++
		}

		for _, p := range r.Panels {
			if _, ok, err := tx.GetPanelByCode(ctx, p.Code); err != nil {
				return fmt.Errorf("lookup panel %s: %w", p.Code, err)
			} else if ok {
				res.Skipped++
				continue
			}
			err := tx.CreatePanel(ctx, &solar.Panel{
				ID:          ulid.Make().String(),
				Code:        p.Code,
				Zone:        p.Zone,
				Row:         p.Row,
				Column:      p.Column,
				Status:      orDefault(p.Status, solar.PanelHealthy),
				LastChecked: now,
			})
			if errors.Is(err, solar.ErrConflict) {
				res.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("create panel %s: %w", p.Code, err)
			}
			res.PanelsAdded++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	logger.Info(ctx, "roster applied",
		"technicians_added", res.TechniciansAdded,
		"panels_added", res.PanelsAdded,
		"skipped", res.Skipped,
	)
	return res, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
