// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pattern

import (
	"regexp"
	"strings"
)

// ForTaskType selects the extractor variant for a task type. Unknown
// types fall back to the code extractor.
func ForTaskType(taskType string) Extractor {
	switch taskType {
	case "research":
		return researchExtractor{}
	case "writing":
		return writingExtractor{}
	case "data_analysis":
		return dataExtractor{}
	case "document_processing", "document_writing", "document_analysis":
		return documentExtractor{}
	default:
		return codeExtractor{}
	}
}

// Code workflows: file ranges, substitutions, file references.
var (
	fileRangeRE = regexp.MustCompile(`(?i)(\w+)-(\d+)\s*(?:to|through|:)\s*(\w+)-?(\d+)`)
	subRE       = regexp.MustCompile(`(?i)replace\s+(.+?)\s+with\s+(?:contents\s+from\s+)?(.+)`)
	fileRefRE   = regexp.MustCompile(`(?i)([\w./-]+\.(?:txt|md|csv|json|py|js|ts|go|rs|java))`)
)

type codeExtractor struct{}

func (codeExtractor) DiscoverVariables(text string, vars *variableSet) {
	if match := fileRangeRE.FindString(text); match != "" {
		vars.setDefault("fileRange", "range", match)
	}
	if match := subRE.FindStringSubmatch(text); match != nil {
		if placeholder := strings.TrimSpace(match[1]); placeholder != "" {
			vars.setDefault("placeholder", "text", placeholder)
		}
		if source := strings.TrimSpace(match[2]); source != "" {
			vars.setDefault("source", "text", source)
		}
	}
	if match := fileRefRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("file", "file", match[1])
	}
}

// Research workflows: citations, URLs, queries, sources, topics.
var (
	citationRE  = regexp.MustCompile(`(?i)\[(\d+)\]|\(([^)]+,\s*\d{4})\)`)
	urlRE       = regexp.MustCompile(`(?i)https?://\S+`)
	queryRE     = regexp.MustCompile(`(?i)search\s+(?:for|query)?:?\s*["']?([^"']+)["']?`)
	sourceDocRE = regexp.MustCompile(`(?i)(?:source|document|paper|article):\s*([^\n,]+)`)
	topicRE     = regexp.MustCompile(`(?i)(?:topic|subject|area):\s*([^\n,]+)`)
)

type researchExtractor struct{}

func (researchExtractor) DiscoverVariables(text string, vars *variableSet) {
	if match := citationRE.FindStringSubmatch(text); match != nil {
		citation := match[1]
		if citation == "" {
			citation = match[2]
		}
		vars.setDefault("citation", "citation", citation)
	}
	if match := urlRE.FindString(text); match != "" {
		if len(match) > 50 {
			match = match[:50]
		}
		vars.setDefault("url", "url", match)
	}
	if match := queryRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("search_query", "query", strings.TrimSpace(match[1]))
	}
	if match := sourceDocRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("source_doc", "document", strings.TrimSpace(match[1]))
	}
	if match := topicRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("research_topic", "topic", strings.TrimSpace(match[1]))
	}
}

// Writing workflows: tone, audience, structure, length, style, type.
var (
	toneRE       = regexp.MustCompile(`(?i)(?:tone|voice):\s*(\w+)`)
	audienceRE   = regexp.MustCompile(`(?i)audience:\s*([^\n,]+)`)
	structureRE  = regexp.MustCompile(`(?i)structure:\s*([^\n,]+)`)
	wordCountRE  = regexp.MustCompile(`(?i)(\d+)\s*(?:words?|pages?)`)
	styleGuideRE = regexp.MustCompile(`(?i)(?:style guide|style):\s*([^\n,]+)`)
	docTypeRE    = regexp.MustCompile(`(?i)article|report|paper|essay|blog post|documentation`)
)

type writingExtractor struct{}

func (writingExtractor) DiscoverVariables(text string, vars *variableSet) {
	if match := toneRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("tone", "style", strings.TrimSpace(match[1]))
	}
	if match := audienceRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("audience", "audience", strings.TrimSpace(match[1]))
	}
	if match := structureRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("structure", "structure", strings.TrimSpace(match[1]))
	}
	if match := wordCountRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("word_count", "length", match[1]+" words")
	}
	if match := styleGuideRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("style_guide", "style_guide", strings.TrimSpace(match[1]))
	}
	if match := docTypeRE.FindString(text); match != "" {
		vars.setDefault("document_type", "format", strings.ToLower(match))
	}
}

// Data analysis workflows: operations, charts, datasets, statistics.
var (
	dataframeOpRE = regexp.MustCompile(`(?i)(?:filter|group|merge|join|sort|aggregate|pivot)\s+(?:by\s+)?([^\s,]+)`)
	chartTypeRE   = regexp.MustCompile(`(?i)(bar|line|scatter|histogram|pie|box|violin|heatmap)\s+(?:chart|plot|graph)`)
	datasetRE     = regexp.MustCompile(`(?i)(?:dataset|data file|csv|excel):\s*([^\n,]+)`)
	columnRE      = regexp.MustCompile(`(?i)columns?:\s*([^\n,]+)`)
	statisticalRE = regexp.MustCompile(`(?i)(mean|median|std|variance|correlation|regression|p-value)`)
)

type dataExtractor struct{}

func (dataExtractor) DiscoverVariables(text string, vars *variableSet) {
	if match := dataframeOpRE.FindString(text); match != "" {
		vars.setDefault("data_operation", "operation", strings.TrimSpace(match))
	}
	if match := chartTypeRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("chart_type", "visualization", strings.ToLower(match[1])+" chart")
	}
	if match := datasetRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("dataset", "file", strings.TrimSpace(match[1]))
	}
	if match := columnRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("columns", "column", strings.TrimSpace(match[1]))
	}
	if match := statisticalRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("statistical_method", "statistic", strings.ToLower(match[1]))
	}
}

// Document workflows: conversions, batches, templates, directories.
var (
	formatConversionRE = regexp.MustCompile(`(?i)(?:convert|transform)\s+(\w+)\s+(?:to|into|as)\s+(\w+)`)
	batchPatternRE     = regexp.MustCompile(`(?i)(?:all|each|every)\s+(\w+)`)
	templateRE         = regexp.MustCompile(`(?i)(?:template|format):\s*([^\n,]+)`)
	inputDirRE         = regexp.MustCompile(`(?i)(?:input|source)\s+(?:directory|folder):\s*([^\s,]+)`)
	outputDirRE        = regexp.MustCompile(`(?i)(?:output|destination)\s+(?:directory|folder):\s*([^\s,]+)`)
)

type documentExtractor struct{}

func (documentExtractor) DiscoverVariables(text string, vars *variableSet) {
	if match := formatConversionRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("source_format", "format", strings.TrimSpace(match[1]))
		vars.setDefault("target_format", "format", strings.TrimSpace(match[2]))
	}
	if match := batchPatternRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("batch_item", "item", strings.TrimSpace(match[1]))
	}
	if match := templateRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("template", "template", strings.TrimSpace(match[1]))
	}
	if match := inputDirRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("input_dir", "path", strings.TrimSpace(match[1]))
	}
	if match := outputDirRE.FindStringSubmatch(text); match != nil {
		vars.setDefault("output_dir", "path", strings.TrimSpace(match[1]))
	}
}
