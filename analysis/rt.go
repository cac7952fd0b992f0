// Package analysis derives room-acoustic quantities from a mesh and its
// simulated impulse response: volume, absorption area, and reverberation
// time by the Sabine and Eyring formulas or by Schroeder backward
// integration of the response.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"parwave/material"
)

// Volume returns the air volume represented by the mesh: dx^3 times the
// number of air and boundary voxels.
func Volume(airElements, boundaryElements int, dx float64) float64 {
	return dx * dx * dx * float64(airElements+boundaryElements)
}

// AbsorptionArea returns the total absorption area of a set of surface
// patches: sum of area_i * alpha_i with alpha taken from the material table
// at the given band.
func AbsorptionArea(areas []float64, mats []int, table *material.Table, band int) (float64, error) {
	if len(areas) != len(mats) {
		return 0, fmt.Errorf("analysis: %d areas but %d material ids", len(areas), len(mats))
	}
	total := 0.0
	for i, area := range areas {
		xi, err := table.AdmittanceAt(mats[i], band)
		if err != nil {
			return 0, err
		}
		total += area * material.AdmittanceToAbsorption(xi)
	}
	return total, nil
}

// Sabine returns the Sabine reverberation time 0.1611*V/A [s].
func Sabine(volume, absorptionArea float64) float64 {
	if absorptionArea <= 0 {
		return math.Inf(1)
	}
	return 0.1611 * volume / absorptionArea
}

// Eyring returns the Eyring reverberation time
// 0.1611*V / (-S*ln(1-mean_alpha)) [s].
func Eyring(volume, surfaceArea, meanAbsorption float64) float64 {
	if meanAbsorption <= 0 || meanAbsorption >= 1 || surfaceArea <= 0 {
		return math.Inf(1)
	}
	return 0.1611 * volume / (-surfaceArea * math.Log(1-meanAbsorption))
}

// SchroederDecay returns the backward-integrated energy decay curve of an
// impulse response, normalized to 0 dB at the start.
func SchroederDecay(response []float64) []float64 {
	n := len(response)
	decay := make([]float64, n)
	for i, r := range response {
		decay[i] = r * r
	}
	// reverse cumulative sum
	floats.Reverse(decay)
	floats.CumSum(decay, append([]float64(nil), decay...))
	floats.Reverse(decay)
	e0 := decay[0]
	for i, e := range decay {
		if e <= 0 || e0 <= 0 {
			decay[i] = math.Inf(-1)
			continue
		}
		decay[i] = 10 * math.Log10(e/e0)
	}
	return decay
}

// SchroederRT estimates the reverberation time RT60 from an impulse
// response sampled at sampleRate Hz, by linear regression of the Schroeder
// decay curve between -5 dB and -35 dB, extrapolated to 60 dB (T30).
func SchroederRT(response []float64, sampleRate float64) (float64, error) {
	if len(response) < 2 {
		return 0, errors.New("analysis: response too short for a decay estimate")
	}
	if sampleRate <= 0 {
		return 0, fmt.Errorf("analysis: invalid sample rate %v", sampleRate)
	}
	decay := SchroederDecay(response)
	lo, hi := -1, -1
	for i, d := range decay {
		if lo < 0 && d <= -5 {
			lo = i
		}
		if hi < 0 && d <= -35 {
			hi = i
			break
		}
	}
	if lo < 0 || hi < 0 || hi-lo < 2 {
		return 0, errors.New("analysis: response does not decay through the -5..-35 dB window")
	}
	xs := make([]float64, hi-lo)
	ys := make([]float64, hi-lo)
	for i := range xs {
		xs[i] = float64(lo+i) / sampleRate
		ys[i] = decay[lo+i]
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if slope >= 0 {
		return 0, errors.New("analysis: decay curve has non-negative slope")
	}
	return -60 / slope, nil
}
