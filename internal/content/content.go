// Package content loads the immutable car-config and track-config
// catalogs from a content directory at startup: one JSON file per catalog,
// read once before the tick loop starts and never touched again. The
// on-disk format is deliberately plain JSON, matching the rest of the
// wire-level conventions used elsewhere in this codebase.
package content

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
)

// carConfigDoc and trackConfigDoc mirror catalog.CarConfig/TrackConfig
// but use string ids so hand-authored content files don't need to embed
// raw UUID bytes.
type carConfigDoc struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type racelinePointDoc struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type trackConfigDoc struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	FileName   string             `json:"file_name"`
	Closed     bool               `json:"closed"`
	Centerline []racelinePointDoc `json:"centerline"`
	Widths     []float64          `json:"widths"`
	Raceline   []racelinePointDoc `json:"raceline"`
}

// Load reads "car_configs.json" and "track_configs.json" from dir and
// returns the decoded catalog content. A missing file yields an empty
// collection rather than an error — an operator may run with only tracks
// and no cars configured, for example during track-geometry testing.
func Load(dir string) ([]catalog.CarConfig, []catalog.TrackConfig, error) {
	cars, err := loadCarConfigs(filepath.Join(dir, "car_configs.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("content: load car configs: %w", err)
	}
	tracks, err := loadTrackConfigs(filepath.Join(dir, "track_configs.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("content: load track configs: %w", err)
	}
	return cars, tracks, nil
}

func loadCarConfigs(path string) ([]catalog.CarConfig, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var docs []carConfigDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := make([]catalog.CarConfig, 0, len(docs))
	for _, d := range docs {
		id, err := ids.ParseCarConfigID(d.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid car config id %q: %w", path, d.ID, err)
		}
		out = append(out, catalog.CarConfig{ID: id, Name: d.Name})
	}
	return out, nil
}

func loadTrackConfigs(path string) ([]catalog.TrackConfig, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var docs []trackConfigDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := make([]catalog.TrackConfig, 0, len(docs))
	for _, d := range docs {
		id, err := ids.ParseTrackConfigID(d.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid track config id %q: %w", path, d.ID, err)
		}
		out = append(out, catalog.TrackConfig{
			ID:         id,
			Name:       d.Name,
			FileName:   d.FileName,
			Closed:     d.Closed,
			Centerline: toRacelinePoints(d.Centerline),
			Widths:     d.Widths,
			Raceline:   toRacelinePoints(d.Raceline),
		})
	}
	return out, nil
}

func toRacelinePoints(docs []racelinePointDoc) []catalog.RacelinePoint {
	if len(docs) == 0 {
		return nil
	}
	out := make([]catalog.RacelinePoint, len(docs))
	for i, d := range docs {
		out[i] = catalog.RacelinePoint{X: d.X, Y: d.Y, Z: d.Z}
	}
	return out
}
