// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import "math"

// welchResult carries the outcome of a two-sample comparison.
type welchResult struct {
	T  float64 // t statistic
	DF float64 // Welch-Satterthwaite degrees of freedom
	P  float64 // two-tailed p-value
}

// welchTTest runs Welch's unequal-variance t-test on two samples.
// The samples here are binary correctness series (1.0 correct, 0.0
// incorrect), so the test compares accuracy proportions.
//
// Degenerate inputs (fewer than two observations per side, or zero
// variance on both sides) return p=1 when the means agree and p=0 when
// they differ, which is the conservative reading for the caller: never
// declare significance on data that cannot support it.
func welchTTest(a, b []float64) welchResult {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 < 2 || n2 < 2 {
		return welchResult{P: 1}
	}

	m1, v1 := meanVariance(a)
	m2, v2 := meanVariance(b)

	se := v1/n1 + v2/n2
	if se == 0 {
		if m1 == m2 {
			return welchResult{P: 1}
		}
		return welchResult{T: math.Inf(sign(m1 - m2)), P: 0}
	}

	t := (m1 - m2) / math.Sqrt(se)
	df := se * se / ((v1/n1)*(v1/n1)/(n1-1) + (v2/n2)*(v2/n2)/(n2-1))
	return welchResult{T: t, DF: df, P: tTwoTailedP(t, df)}
}

// meanVariance returns the sample mean and unbiased variance.
func meanVariance(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n

	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n - 1
	return mean, variance
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}

// tTwoTailedP is P(|T| >= |t|) for a Student's t distribution with df
// degrees of freedom, computed via the regularized incomplete beta
// function: p = I_{df/(df+t^2)}(df/2, 1/2).
func tTwoTailedP(t, df float64) float64 {
	if math.IsInf(t, 0) {
		return 0
	}
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// regIncBeta is the regularized incomplete beta function I_x(a, b),
// evaluated with the continued-fraction expansion (Lentz's method).
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	lbeta, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - la - lb + a*math.Log(x) + b*math.Log(1-x))

	// The continued fraction converges fastest for x < (a+1)/(a+b+2);
	// use the symmetry I_x(a,b) = 1 - I_{1-x}(b,a) otherwise.
	if x >= (a+1)/(a+b+2) {
		return 1 - regIncBeta(b, a, 1-x)
	}
	return front * betaCF(a, b, x) / a
}

// betaCF evaluates the continued fraction for the incomplete beta
// function by modified Lentz's method.
func betaCF(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-300
	)

	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		// Even step.
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		// Odd step.
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}
