// Copyright 2025 DeliveryOps LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "strings"

// Canonical deployment stages.
const (
	StageDev  = "DEV"
	StageQA   = "QA"
	StageUAT  = "UAT"
	StageProd = "PROD"
)

// Stages lists the canonical stages in promotion order.
var Stages = []string{StageDev, StageQA, StageUAT, StageProd}

// StageFor derives the canonical stage from an environment key by
// case-insensitive substring match, in order: prod, uat, qa|green, else DEV.
func StageFor(envKey string) string {
	k := strings.ToLower(envKey)
	switch {
	case strings.Contains(k, "prod"):
		return StageProd
	case strings.Contains(k, "uat"):
		return StageUAT
	case strings.Contains(k, "qa"), strings.Contains(k, "green"):
		return StageQA
	default:
		return StageDev
	}
}
