package filter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Query-string parameter names shared by the address bar and the outbound
// list request.
const (
	ParamQuery      = "q"
	ParamTopicID    = "topic_id"
	ParamTopic      = "topic"
	ParamDifficulty = "difficulty"
	ParamStatus     = "status"
	ParamPage       = "page"
	ParamPageSize   = "page_size"
	ParamSortBy     = "sort_by"
	ParamOrder      = "order"
	ParamKeyset     = "useKeyset"
)

// LegacySortMode selects how the legacy "id" sort key is interpreted. The
// identifier's sort semantics differ between deployments, so the mode has no
// default and must be configured.
type LegacySortMode string

const (
	LegacySortPassThrough LegacySortMode = "passthrough"
	LegacySortRemap       LegacySortMode = "remap"
	LegacySortSuppress    LegacySortMode = "suppress"
)

// LegacySortRemapTarget is the timestamp field "id" is rewritten to in remap mode.
const LegacySortRemapTarget = SortCreated

func ParseLegacySortMode(raw string) (LegacySortMode, error) {
	switch mode := LegacySortMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case LegacySortPassThrough, LegacySortRemap, LegacySortSuppress:
		return mode, nil
	case "":
		return "", fmt.Errorf("legacy sort mode is required (one of %s, %s, %s)", LegacySortPassThrough, LegacySortRemap, LegacySortSuppress)
	default:
		return "", fmt.Errorf("unsupported legacy sort mode: %s", raw)
	}
}

// Codec converts between Spec and its query-string form.
type Codec struct {
	mode LegacySortMode
}

func NewCodec(mode LegacySortMode) (Codec, error) {
	mode, err := ParseLegacySortMode(string(mode))
	if err != nil {
		return Codec{}, err
	}
	return Codec{mode: mode}, nil
}

func (c Codec) Mode() LegacySortMode {
	return c.mode
}

// Parse never fails: every missing, malformed or out-of-range parameter
// resolves to the field's default.
func (c Codec) Parse(rawQuery string) Spec {
	rawQuery = strings.TrimPrefix(strings.TrimSpace(rawQuery), "?")
	// ParseQuery keeps every well-formed pair even when it reports an error.
	values, _ := url.ParseQuery(rawQuery)

	spec := Default()
	spec.Query = values.Get(ParamQuery)
	if raw := strings.TrimSpace(values.Get(ParamTopicID)); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			spec.TopicID = id
		}
	}
	spec.Topic = values.Get(ParamTopic)
	spec.Difficulty = Difficulty(lowerTrim(values.Get(ParamDifficulty)))
	spec.Status = Status(lowerTrim(values.Get(ParamStatus)))
	if raw := strings.TrimSpace(values.Get(ParamPage)); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil {
			spec.Page = page
		}
	}
	if raw := strings.TrimSpace(values.Get(ParamPageSize)); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			spec.PageSize = size
		}
	}
	if raw := lowerTrim(values.Get(ParamSortBy)); raw != "" {
		spec.SortBy = SortField(raw)
	}
	if raw := lowerTrim(values.Get(ParamOrder)); raw != "" {
		spec.Order = Order(raw)
	}
	spec.Keyset = strings.TrimSpace(values.Get(ParamKeyset)) == "1"
	return c.Normalize(spec)
}

// Encode renders spec as a query string, omitting every field equal to its
// default. Keys are emitted in sorted order.
func (c Codec) Encode(spec Spec) string {
	return c.Values(c.Normalize(spec)).Encode()
}

// Values is Encode before string rendering.
func (c Codec) Values(spec Spec) url.Values {
	spec = c.Normalize(spec)
	values := url.Values{}
	if spec.Query != "" {
		values.Set(ParamQuery, spec.Query)
	}
	if spec.TopicID > 0 {
		values.Set(ParamTopicID, strconv.FormatInt(spec.TopicID, 10))
	} else if spec.Topic != "" {
		values.Set(ParamTopic, spec.Topic)
	}
	if spec.Difficulty != DifficultyAny {
		values.Set(ParamDifficulty, string(spec.Difficulty))
	}
	if spec.Status != StatusAny {
		values.Set(ParamStatus, string(spec.Status))
	}
	if spec.Page != DefaultPage {
		values.Set(ParamPage, strconv.Itoa(spec.Page))
	}
	if spec.PageSize != DefaultPageSize {
		values.Set(ParamPageSize, strconv.Itoa(spec.PageSize))
	}
	if spec.SortBy != DefaultSort {
		values.Set(ParamSortBy, string(spec.SortBy))
	}
	if spec.Order != DefaultOrder {
		values.Set(ParamOrder, string(spec.Order))
	}
	if spec.Keyset {
		values.Set(ParamKeyset, "1")
	}
	return values
}

// Normalize clamps every field into its domain and applies the legacy sort
// mode, so programmatic edits obey the same invariants as parsed specs.
func (c Codec) Normalize(spec Spec) Spec {
	spec = normalizeSpec(spec)
	if spec.SortBy == SortID {
		switch c.mode {
		case LegacySortRemap:
			spec.SortBy = LegacySortRemapTarget
		case LegacySortSuppress:
			spec.SortBy = DefaultSort
		}
	}
	return spec
}

// Canonical re-encodes a raw query string through Parse, so two addresses
// that mean the same view compare equal.
func (c Codec) Canonical(rawQuery string) string {
	return c.Encode(c.Parse(rawQuery))
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
