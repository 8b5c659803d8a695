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

// Package kustomize parses kustomization-style YAML image lists and
// computes the tag signature used as the change-detection key for
// "deployment happened".
package kustomize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Image is one {image, tag} tuple with its derived service key and build
// number.
type Image struct {
	ServiceKey  string
	Image       string
	Tag         string
	BuildNumber string
}

var (
	// serviceFromTag matches tags of the form "<service>-v1.2.3" (a
	// stray dot after the v is tolerated and normalized away).
	serviceFromTag = regexp.MustCompile(`^(?P<service>.+)-v\.?(?P<ver>\d+\.\d+\.\d+)$`)

	// buildFromTag captures the final numeric group of a version tag.
	buildFromTag = regexp.MustCompile(`v\d+\.\d+\.(\d+)$`)

	normLeadingV  = regexp.MustCompile(`^v\.(\d)`)
	normInfixV    = regexp.MustCompile(`-v\.(\d)`)
	yamlDocPrefix = regexp.MustCompile(`(?m)^---\s*$`)
)

// NormalizeTag rewrites "v.X" to "vX" at the start of a tag and after a
// "-v" separator: "v.0.0.588" → "v0.0.588", "svc-v.0.0.588" → "svc-v0.0.588".
func NormalizeTag(tag string) string {
	t := normLeadingV.ReplaceAllString(strings.TrimSpace(tag), "v$1")
	return normInfixV.ReplaceAllString(t, "-v$1")
}

// BuildNumber extracts the final numeric group of a version tag:
// "my-svc-v0.0.112" → "112". Non-version tags yield "".
func BuildNumber(tag string) string {
	m := buildFromTag.FindStringSubmatch(NormalizeTag(tag))
	if m == nil {
		return ""
	}
	return m[1]
}

// ServiceKeyFromTag derives the service key from the tag prefix when the
// tag has the "<service>-vX.Y.Z" shape; otherwise returns "".
func ServiceKeyFromTag(tag string) string {
	m := serviceFromTag.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return ""
	}
	return m[1]
}

type kustomization struct {
	Images []struct {
		Name    string `yaml:"name"`
		NewName string `yaml:"newName"`
		NewTag  string `yaml:"newTag"`
	} `yaml:"images"`
}

// Parse extracts the ordered image list from kustomization YAML. The
// service key comes from the tag prefix when present, else the last path
// segment of the image name.
func Parse(text string) ([]Image, error) {
	// Some overlays carry a leading document separator; yaml.v3 handles a
	// single document either way, but multiple documents keep only the
	// first that has an images list.
	var k kustomization
	for _, doc := range splitDocs(text) {
		var cand kustomization
		if err := yaml.Unmarshal([]byte(doc), &cand); err != nil {
			return nil, fmt.Errorf("parsing kustomization: %w", err)
		}
		if len(cand.Images) > 0 {
			k = cand
			break
		}
	}

	out := make([]Image, 0, len(k.Images))
	for _, img := range k.Images {
		name := img.NewName
		if name == "" {
			name = img.Name
		}
		tag := NormalizeTag(img.NewTag)
		key := ServiceKeyFromTag(tag)
		if key == "" {
			if i := strings.LastIndex(name, "/"); i >= 0 {
				key = name[i+1:]
			} else {
				key = name
			}
		}
		out = append(out, Image{
			ServiceKey:  key,
			Image:       name,
			Tag:         tag,
			BuildNumber: BuildNumber(tag),
		})
	}
	return out, nil
}

func splitDocs(text string) []string {
	parts := yamlDocPrefix.Split(text, -1)
	var docs []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			docs = append(docs, p)
		}
	}
	if len(docs) == 0 {
		docs = []string{text}
	}
	return docs
}

// Signature is the sorted, pipe-joined set of normalized tags. Two
// kustomizations represent the same deployment state iff their signatures
// are equal; infra-only edits never change it.
func Signature(images []Image) string {
	seen := map[string]struct{}{}
	var tags []string
	for _, img := range images {
		t := NormalizeTag(img.Tag)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return strings.Join(tags, "|")
}

// SignatureOf parses text and returns its signature; parse errors yield "".
func SignatureOf(text string) string {
	images, err := Parse(text)
	if err != nil {
		return ""
	}
	return Signature(images)
}

// CandidatePaths lists the kustomization locations tried, in order, for an
// environment.
func CandidatePaths(envKey string) []string {
	return []string{
		fmt.Sprintf("envs/%s/kustomization.yaml", envKey),
		fmt.Sprintf("envs/%s/kustomization.yml", envKey),
		fmt.Sprintf("overlays/%s/kustomization.yaml", envKey),
		fmt.Sprintf("overlays/%s/kustomization.yml", envKey),
	}
}
