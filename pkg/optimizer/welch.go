/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package optimizer

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

const significanceLevel = 0.05

// welchP returns the two-sided p-value of Welch's two-sample t-test on the
// score series. Variances are not pooled; degrees of freedom follow
// Welch-Satterthwaite. Degenerate inputs (fewer than two samples a side, or
// zero variance on both sides) return p=1 for equal means and p=0 otherwise,
// keeping the comparison deterministic.
func welchP(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 1
	}
	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)
	na, nb := float64(len(a)), float64(len(b))
	se2 := varA/na + varB/nb
	if se2 == 0 {
		if meanA == meanB {
			return 1
		}
		return 0
	}
	t := (meanA - meanB) / math.Sqrt(se2)
	dof := se2 * se2 / ((varA*varA)/(na*na*(na-1)) + (varB*varB)/(nb*nb*(nb-1)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dof}
	return 2 * dist.CDF(-math.Abs(t))
}

func meanVariance(values []float64) (float64, float64) {
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return m, ss / float64(len(values)-1)
}
