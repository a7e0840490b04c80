package document

import (
	"errors"
	"fmt"
	"strings"
)

// Doc is the internal document representation for CRUD over named
// collections. Rather than depend on a BSON codec, documents are a plain
// map[string]any the adapter validates and shuttles to the driver closure
// — see DESIGN.md for the full rationale.
type Doc = map[string]any

// Pipeline is an ordered list of aggregation stages, each a single-key
// document naming the stage operator, e.g. {"$match": {...}}.
type Pipeline []Doc

var allowedStages = map[string]bool{
	"$project": true, "$match": true, "$limit": true, "$skip": true,
	"$sort": true, "$group": true, "$unwind": true, "$lookup": true,
	"$addFields": true, "$count": true, "$sample": true, "$replaceRoot": true,
	"$facet": true, "$bucket": true, "$bucketAuto": true, "$sortByCount": true,
	"$geoNear": true, "$graphLookup": true, "$redact": true, "$unionWith": true,
}

var forbiddenStages = map[string]bool{
	"$out": true, "$merge": true, "$where": true, "$function": true, "$accumulator": true,
}

// nestedPipelineKeys names the stages whose sub-pipelines must
// themselves be validated recursively, up to maxNestingDepth levels deep.
var nestedPipelineKeys = map[string][]string{
	"$lookup":    {"pipeline"},
	"$facet":     nil, // every value in $facet's document is itself a pipeline
	"$unionWith": {"pipeline"},
}

const (
	maxTopLevelStages = 20
	maxNestingDepth    = 5
)

// ErrPipelineRejected wraps the specific validation failure so callers can
// log or surface it without string-matching.
type ErrPipelineRejected struct{ Reason string }

func (e *ErrPipelineRejected) Error() string { return "document: pipeline rejected: " + e.Reason }

// ValidatePipeline enforces the allow-list/forbid-list, nesting-depth and
// stage-count rules before a pipeline ever reaches the driver. It never
// mutates p.
func ValidatePipeline(p Pipeline) error {
	if len(p) > maxTopLevelStages {
		return &ErrPipelineRejected{Reason: fmt.Sprintf("too many top-level stages: %d > %d", len(p), maxTopLevelStages)}
	}
	return validateStages(p, 0)
}

func validateStages(p Pipeline, depth int) error {
	if depth > maxNestingDepth {
		return &ErrPipelineRejected{Reason: fmt.Sprintf("nesting depth %d exceeds maximum %d", depth, maxNestingDepth)}
	}
	for _, stage := range p {
		if len(stage) != 1 {
			return &ErrPipelineRejected{Reason: "stage must name exactly one operator"}
		}
		for op, body := range stage {
			if forbiddenStages[op] {
				return &ErrPipelineRejected{Reason: "forbidden stage: " + op}
			}
			if !allowedStages[op] {
				return &ErrPipelineRejected{Reason: "unrecognized or disallowed stage: " + op}
			}
			if err := validateFilterDoc(body); err != nil {
				return err
			}
			if err := validateNested(op, body, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateNested(op string, body any, depth int) error {
	keys, known := nestedPipelineKeys[op]
	if !known {
		return nil
	}
	doc, ok := body.(Doc)
	if !ok {
		return nil
	}
	if op == "$facet" {
		for _, v := range doc {
			sub, err := toPipeline(v)
			if err != nil {
				return err
			}
			if err := validateStages(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, k := range keys {
		v, present := doc[k]
		if !present {
			continue
		}
		sub, err := toPipeline(v)
		if err != nil {
			return err
		}
		if err := validateStages(sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func toPipeline(v any) (Pipeline, error) {
	switch t := v.(type) {
	case Pipeline:
		return t, nil
	case []Doc:
		return Pipeline(t), nil
	case []any:
		out := make(Pipeline, 0, len(t))
		for _, e := range t {
			d, ok := e.(Doc)
			if !ok {
				return nil, &ErrPipelineRejected{Reason: "nested pipeline element is not a document"}
			}
			out = append(out, d)
		}
		return out, nil
	default:
		return nil, &ErrPipelineRejected{Reason: "nested pipeline field is not a pipeline"}
	}
}

// validateFilterDoc walks a filter/expression document at any depth
// looking for $where or $function, which are rejected no matter how
// deeply they're nested.
func validateFilterDoc(v any) error {
	switch t := v.(type) {
	case Doc:
		for k, val := range t {
			if k == "$where" || k == "$function" {
				return &ErrPipelineRejected{Reason: "forbidden operator in filter: " + k}
			}
			if err := validateFilterDoc(val); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := validateFilterDoc(e); err != nil {
				return err
			}
		}
	case Pipeline:
		for _, d := range t {
			if err := validateFilterDoc(Doc(d)); err != nil {
				return err
			}
		}
	}
	return nil
}

// EstimateCost assigns a numeric complexity score to a pipeline; callers
// may reject pipelines above their own threshold. The estimate is
// advisory only — ValidatePipeline is what actually gates execution.
func EstimateCost(p Pipeline) int {
	cost := 0
	for i, stage := range p {
		for op, body := range stage {
			switch op {
			case "$lookup":
				cost += 20
			case "$graphLookup":
				cost += 30
			case "$group":
				cost += 10
			case "$sort":
				cost += 8
			case "$sample":
				cost += 15
			case "$geoNear":
				cost += 12
			case "$facet":
				cost += facetCost(body)
			case "$match":
				if i == 0 {
					cost -= 3
				}
			case "$limit":
				if i <= 1 {
					cost -= 2
				}
			}
		}
	}
	if cost < 0 {
		cost = 0
	}
	return cost
}

func facetCost(body any) int {
	doc, ok := body.(Doc)
	if !ok {
		return 0
	}
	total := 0
	for _, v := range doc {
		sub, err := toPipeline(v)
		if err != nil {
			continue
		}
		total += EstimateCost(sub)
	}
	return total
}

// ValidateCollectionName enforces collection-name rules: ≤255 chars, no
// leading "system.", no "$" or NUL at any position.
func ValidateCollectionName(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return errors.New("document: collection name must be 1-255 characters")
	}
	if strings.HasPrefix(name, "system.") {
		return errors.New("document: collection name must not start with \"system.\"")
	}
	if strings.ContainsAny(name, "$\x00") {
		return errors.New("document: collection name must not contain '$' or NUL")
	}
	return nil
}

// ValidateDatabaseName enforces database-name rules: ≤64 chars, none of
// /\. "$*<>:|?
func ValidateDatabaseName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return errors.New("document: database name must be 1-64 characters")
	}
	if strings.ContainsAny(name, "/\\. \"$*<>:|?") {
		return errors.New(`document: database name must not contain /\. "$*<>:|?`)
	}
	return nil
}
