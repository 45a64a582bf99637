package report

import (
	"encoding/json"
	"time"

	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

// JSONBuilder renders the scan as indented JSON.
type JSONBuilder struct {
	opts Options
}

// NewJSON creates a JSON builder.
func NewJSON(opts Options) *JSONBuilder {
	return &JSONBuilder{opts: opts.normalize()}
}

type jsonDocument struct {
	*orchestrator.Scan
	GeneratedAt time.Time `json:"generated_at"`
	Generator   string    `json:"generator"`
}

func (b *JSONBuilder) Build(scan *orchestrator.Scan) ([]byte, error) {
	if _, _, err := rows(scan); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(jsonDocument{
		Scan:        scan,
		GeneratedAt: b.opts.Now().UTC(),
		Generator:   b.opts.Generator,
	}, "", "  ")
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "render json")
	}
	return append(data, '\n'), nil
}
