// Package patients reads patient records. The service never writes them.
package patients

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cardiotriage/backend/internal/models"
)

//go:embed seed.yaml
var seed []byte

// Directory looks up a patient record. Unknown ids return
// models.ErrPatientNotFound.
type Directory interface {
	Get(ctx context.Context, id string) (models.Patient, error)
}

// YAMLDirectory is an immutable in-memory directory loaded from YAML.
type YAMLDirectory struct {
	records map[string]models.Patient
}

// LoadYAML reads path, or the bundled sample records when path is empty.
func LoadYAML(path string) (*YAMLDirectory, error) {
	data := seed
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read patients file: %w", err)
		}
		data = b
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*YAMLDirectory, error) {
	var list []models.Patient
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse patients: %w", err)
	}
	d := &YAMLDirectory{records: make(map[string]models.Patient, len(list))}
	for i, p := range list {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("parse patients: record %d has no patient_id", i)
		}
		if _, dup := d.records[p.ID]; dup {
			return nil, fmt.Errorf("parse patients: duplicate patient_id %s", p.ID)
		}
		d.records[p.ID] = p
	}
	return d, nil
}

func (d *YAMLDirectory) Get(ctx context.Context, id string) (models.Patient, error) {
	p, ok := d.records[id]
	if !ok {
		return models.Patient{}, models.ErrPatientNotFound
	}
	return p, nil
}

func (d *YAMLDirectory) All() []models.Patient {
	out := make([]models.Patient, 0, len(d.records))
	for _, p := range d.records {
		out = append(out, p)
	}
	return out
}

// Chain asks each directory in turn and returns the first hit.
type Chain []Directory

func (c Chain) Get(ctx context.Context, id string) (models.Patient, error) {
	for _, d := range c {
		p, err := d.Get(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, models.ErrPatientNotFound) {
			return models.Patient{}, err
		}
	}
	return models.Patient{}, models.ErrPatientNotFound
}
