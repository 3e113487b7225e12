package calibration

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/smpcalibrate/internal/scaling"
)

// DefaultSigma is the outlier threshold in standard deviations of the per-site
// RMSE distribution.
const DefaultSigma = 3

// SiteOutlier records a site excluded by the outlier filter. It is not an
// error; callers log it.
type SiteOutlier struct {
	Site      string
	RMSE      float64
	Threshold float64
}

// OutlierReport summarises one filter pass.
type OutlierReport struct {
	SiteRMSE  map[string]float64
	StdDev    float64
	Threshold float64
	Outliers  []SiteOutlier
}

// OutlierFilter excludes sites whose RMSE against the references is not
// strictly below Sigma times the standard deviation of all site RMSEs.
type OutlierFilter struct {
	Sigma float64
}

// Filter runs a single pass over the defined samples. The threshold is not
// recomputed after sites are removed. With fewer than two sites the
// dispersion is undefined and every sample is kept.
func (f OutlierFilter) Filter(samples []scaling.CalibratedSample) ([]scaling.CalibratedSample, OutlierReport) {
	sigma := f.Sigma
	if sigma == 0 {
		sigma = DefaultSigma
	}

	rows := scaling.Rows(samples)
	sites, rmse := SiteRMSE(rows)

	report := OutlierReport{
		SiteRMSE:  make(map[string]float64, len(sites)),
		Threshold: math.Inf(1),
	}
	population := make([]float64, len(sites))
	for i, site := range sites {
		report.SiteRMSE[site] = rmse[i]
		population[i] = rmse[i]
	}
	if len(sites) < 2 {
		return rows, report
	}

	report.StdDev = stat.StdDev(population, nil)
	report.Threshold = sigma * report.StdDev

	excluded := make(map[string]bool)
	for i, site := range sites {
		if !(rmse[i] < report.Threshold) {
			excluded[site] = true
			report.Outliers = append(report.Outliers, SiteOutlier{Site: site, RMSE: rmse[i], Threshold: report.Threshold})
		}
	}

	kept := make([]scaling.CalibratedSample, 0, len(rows))
	for _, s := range rows {
		if !excluded[s.Site] {
			kept = append(kept, s)
		}
	}
	return kept, report
}

// SiteRMSE returns the sites in order of first appearance and the RMSE of
// each site's aggregated values against its references.
func SiteRMSE(samples []scaling.CalibratedSample) ([]string, []float64) {
	index := make(map[string]int)
	var sites []string
	var sum []float64
	var count []int

	for _, s := range samples {
		i, ok := index[s.Site]
		if !ok {
			i = len(sites)
			index[s.Site] = i
			sites = append(sites, s.Site)
			sum = append(sum, 0)
			count = append(count, 0)
		}
		r := s.Residual()
		sum[i] += r * r
		count[i]++
	}

	rmse := make([]float64, len(sites))
	for i := range sites {
		rmse[i] = math.Sqrt(sum[i] / float64(count[i]))
	}
	return sites, rmse
}
