/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package quorum decides milestone approval over a set of distinct approvers.
//
// Approver sets are kept as sorted, duplicate free string slices so that they
// survive serialization unchanged and compare cheaply.
package quorum

import "sort"

// Approve adds who to approvers and reports whether this addition moved the
// set from below required to at or above it. The input slice is never
// mutated. Approving twice with the same identity returns an equal set and
// false.
func Approve(approvers []string, required uint32, who string) (updated []string, nowApproved bool) {
	i := sort.SearchStrings(approvers, who)
	if i < len(approvers) && approvers[i] == who {
		updated = append([]string(nil), approvers...)
		return
	}

	updated = make([]string, 0, len(approvers)+1)
	updated = append(updated, approvers[:i]...)
	updated = append(updated, who)
	updated = append(updated, approvers[i:]...)

	nowApproved = !Satisfied(approvers, required) && Satisfied(updated, required)
	return
}

// Satisfied reports whether approvers reaches required.
func Satisfied(approvers []string, required uint32) bool {
	return uint64(len(approvers)) >= uint64(required)
}

// Contains reports whether who is in approvers.
func Contains(approvers []string, who string) bool {
	i := sort.SearchStrings(approvers, who)
	return i < len(approvers) && approvers[i] == who
}

// Normalize returns approvers sorted with duplicates removed.
func Normalize(approvers []string) []string {
	out := append([]string(nil), approvers...)
	sort.Strings(out)
	n := 0
	for i, a := range out {
		if i > 0 && a == out[n-1] {
			continue
		}
		out[n] = a
		n++
	}
	return out[:n]
}

// IsSet reports whether approvers is already sorted and duplicate free.
func IsSet(approvers []string) bool {
	for i := 1; i < len(approvers); i++ {
		if approvers[i-1] >= approvers[i] {
			return false
		}
	}
	return true
}
