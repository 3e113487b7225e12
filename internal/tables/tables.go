// Package tables reads and writes the flat CSV tables exchanged with the
// profile ETL and downstream tools.
package tables

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
)

// ProfileRecord is one row of the processed profile table.
type ProfileRecord struct {
	Site       string  `csv:"site"`
	File       string  `csv:"file"`
	WindowSize float64 `csv:"window_size,omitempty"`
	smp.RawSample
}

// PropertyRecord is one row of an estimated property profile.
type PropertyRecord struct {
	Site         string       `csv:"site"`
	File         string       `csv:"file"`
	Property     smp.Property `csv:"property"`
	Coefficients string       `csv:"coefficients"`
	Height       float64      `csv:"rel_height"`
	Value        float64      `csv:"value"`
	Force        float64      `csv:"force_median"`
	ElementSize  float64      `csv:"l"`
}

// MatchRecord is one row of the match summary table.
type MatchRecord struct {
	Site         string       `csv:"site"`
	RefType      smp.Property `csv:"ref_type"`
	File         string       `csv:"smp_file"`
	ScaleCoeff   string       `csv:"scale_coeff"`
	Offset       float64      `csv:"offset"`
	TotalStretch float64      `csv:"total_stretch"`
	RMSE         float64      `csv:"rmse"`
	Index        int          `csv:"index"`
	NoOverlap    bool         `csv:"no_overlap"`
	Surface      float64      `csv:"surface"` // scaled height of the profile surface
}

// SampleRecord is one row of the calibrated sample table.
type SampleRecord struct {
	Site        string       `csv:"site"`
	RefType     smp.Property `csv:"ref_type"`
	File        string       `csv:"smp_file"`
	RefValue    float64      `csv:"ref_val"`
	Value       float64      `csv:"aggregated_value"`
	Count       int          `csv:"count"`
	Median      float64      `csv:"median"`
	StdDev      float64      `csv:"stdev"`
	Force       float64      `csv:"force_median"`
	ElementSize float64      `csv:"l"`
	RefHeight   float64      `csv:"site_rel_height"`
}

func decodeAll[T any](r io.Reader) ([]T, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var out []T
	for {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode row %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}

func encodeAll[T any](w io.Writer, records []T) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if len(records) == 0 {
		var zero T
		if err := enc.EncodeHeader(zero); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	} else if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// ReadProfiles reads a profile table and groups its rows by site and file in
// order of first appearance.
func ReadProfiles(r io.Reader) ([]smp.RawProfile, error) {
	records, err := decodeAll[ProfileRecord](r)
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}

	index := make(map[[2]string]int)
	var profiles []smp.RawProfile
	for _, rec := range records {
		key := [2]string{rec.Site, rec.File}
		i, ok := index[key]
		if !ok {
			i = len(profiles)
			index[key] = i
			profiles = append(profiles, smp.RawProfile{Site: rec.Site, File: rec.File, WindowSize: rec.WindowSize})
		}
		profiles[i].Samples = append(profiles[i].Samples, rec.RawSample)
	}
	return profiles, nil
}

// WriteProfiles writes raw profiles in the layout ReadProfiles accepts.
func WriteProfiles(w io.Writer, profiles []smp.RawProfile) error {
	var records []ProfileRecord
	for _, p := range profiles {
		for _, s := range p.Samples {
			records = append(records, ProfileRecord{Site: p.Site, File: p.File, WindowSize: p.WindowSize, RawSample: s})
		}
	}
	return encodeAll(w, records)
}

// ReadReferences reads a snow pit reference table.
func ReadReferences(r io.Reader) ([]scaling.Reference, error) {
	refs, err := decodeAll[scaling.Reference](r)
	if err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	for i, ref := range refs {
		if _, err := smp.ParseProperty(string(ref.Type)); err != nil {
			return nil, fmt.Errorf("references row %d: %w", i+1, err)
		}
	}
	return refs, nil
}

// WriteProperties writes estimated property profiles.
func WriteProperties(w io.Writer, profiles []smp.PropertyProfile) error {
	var records []PropertyRecord
	for _, p := range profiles {
		for _, s := range p.Samples {
			records = append(records, PropertyRecord{
				Site:         p.Site,
				File:         p.File,
				Property:     p.Property,
				Coefficients: p.Coefficients,
				Height:       s.Height,
				Value:        s.Value,
				Force:        s.Force,
				ElementSize:  s.ElementSize,
			})
		}
	}
	return encodeAll(w, records)
}

// ReadProperties reads property profiles written by WriteProperties.
func ReadProperties(r io.Reader) ([]smp.PropertyProfile, error) {
	records, err := decodeAll[PropertyRecord](r)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}

	index := make(map[[2]string]int)
	var profiles []smp.PropertyProfile
	for _, rec := range records {
		key := [2]string{rec.Site, rec.File}
		i, ok := index[key]
		if !ok {
			i = len(profiles)
			index[key] = i
			profiles = append(profiles, smp.PropertyProfile{
				Site:         rec.Site,
				File:         rec.File,
				Property:     rec.Property,
				Coefficients: rec.Coefficients,
			})
		}
		profiles[i].Samples = append(profiles[i].Samples, smp.ProfileSample{
			Height:      rec.Height,
			Value:       rec.Value,
			Force:       rec.Force,
			ElementSize: rec.ElementSize,
		})
	}
	return profiles, nil
}

// FormatStretch renders a stretch vector as a semicolon separated list.
func FormatStretch(stretch []float64) string {
	parts := make([]string, len(stretch))
	for i, s := range stretch {
		parts[i] = strconv.FormatFloat(s, 'f', 6, 64)
	}
	return strings.Join(parts, ";")
}

// WriteMatches writes one summary row per match result.
func WriteMatches(w io.Writer, results []scaling.MatchResult) error {
	records := make([]MatchRecord, len(results))
	for i, r := range results {
		surface, err := r.Best.Remap(0)
		if err != nil {
			return fmt.Errorf("%s %s: %w", r.Site, r.File, err)
		}
		records[i] = MatchRecord{
			Site:         r.Site,
			RefType:      r.RefType,
			File:         r.File,
			ScaleCoeff:   FormatStretch(r.Best.Stretch),
			Offset:       r.Best.Offset,
			TotalStretch: r.Best.TotalStretch(),
			RMSE:         r.RMSE,
			Index:        r.Index,
			NoOverlap:    r.NoOverlap,
			Surface:      surface,
		}
	}
	return encodeAll(w, records)
}

// WriteSamples writes the defined calibrated samples.
func WriteSamples(w io.Writer, samples []scaling.CalibratedSample) error {
	rows := scaling.Rows(samples)
	records := make([]SampleRecord, len(rows))
	for i, s := range rows {
		records[i] = SampleRecord{
			Site:        s.Site,
			RefType:     s.RefType,
			File:        s.File,
			RefValue:    s.RefValue,
			Value:       s.Value,
			Count:       s.Count,
			Median:      s.Median,
			StdDev:      s.StdDev,
			Force:       s.Force,
			ElementSize: s.ElementSize,
			RefHeight:   s.RefHeight,
		}
	}
	return encodeAll(w, records)
}

// ReadSamples reads a calibrated sample table, e.g. to rerun the regression
// without matching again.
func ReadSamples(r io.Reader) ([]scaling.CalibratedSample, error) {
	records, err := decodeAll[SampleRecord](r)
	if err != nil {
		return nil, fmt.Errorf("samples: %w", err)
	}
	out := make([]scaling.CalibratedSample, len(records))
	for i, rec := range records {
		out[i] = scaling.CalibratedSample{
			Site:        rec.Site,
			File:        rec.File,
			RefType:     rec.RefType,
			RefHeight:   rec.RefHeight,
			RefValue:    rec.RefValue,
			Value:       rec.Value,
			Count:       rec.Count,
			Median:      rec.Median,
			StdDev:      rec.StdDev,
			Force:       rec.Force,
			ElementSize: rec.ElementSize,
			Defined:     true,
		}
	}
	return out, nil
}
