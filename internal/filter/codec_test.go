package filter

import (
	"math/rand"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCodec(t testing.TB, mode LegacySortMode) Codec {
	t.Helper()
	c, err := NewCodec(mode)
	require.NoError(t, err)
	return c
}

func TestNewCodecRequiresLegacySortMode(t *testing.T) {
	_, err := NewCodec("")
	require.Error(t, err)
	_, err = NewCodec("sideways")
	require.Error(t, err)

	c, err := NewCodec(" Remap ")
	require.NoError(t, err)
	assert.Equal(t, LegacySortRemap, c.Mode())
}

func TestParseDefaults(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	for _, raw := range []string{"", "?", "unknown=1", "%zz", "&&&"} {
		if diff := cmp.Diff(Default(), c.Parse(raw)); diff != "" {
			t.Fatalf("Parse(%q) mismatch (-want +got):\n%s", raw, diff)
		}
	}
}

func TestParseResolvesInvalidFieldsToDefaults(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	got := c.Parse("?page=-3&page_size=37&sort_by=popularity&order=sideways&difficulty=brutal&status=gone&topic_id=abc&useKeyset=yes")
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Fatalf("unexpected spec (-want +got):\n%s", diff)
	}
}

func TestParseReadsEveryField(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	got := c.Parse("q=%20derivative%20&topic_id=12&difficulty=HARD&status=review&page=4&page_size=20&sort_by=difficulty&order=asc&useKeyset=1")
	want := Spec{
		Query:      "derivative",
		TopicID:    12,
		Difficulty: DifficultyHard,
		Status:     StatusReview,
		Page:       4,
		PageSize:   20,
		SortBy:     SortDifficulty,
		Order:      OrderAsc,
		Keyset:     true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected spec (-want +got):\n%s", diff)
	}
}

func TestParseTopicIDWinsOverLegacyTopicName(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)

	got := c.Parse("topic=algebra&topic_id=7")
	assert.Equal(t, int64(7), got.TopicID)
	assert.Empty(t, got.Topic)

	got = c.Parse("topic=algebra&topic_id=0")
	assert.Zero(t, got.TopicID)
	assert.Equal(t, "algebra", got.Topic)
}

func TestParseLegacySortAlias(t *testing.T) {
	tests := []struct {
		mode LegacySortMode
		want SortField
	}{
		{LegacySortPassThrough, SortID},
		{LegacySortRemap, SortCreated},
		{LegacySortSuppress, DefaultSort},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c := mustCodec(t, tt.mode)
			assert.Equal(t, tt.want, c.Parse("sort_by=id&order=asc").SortBy)
			assert.Equal(t, tt.want, c.Normalize(Spec{SortBy: SortID}).SortBy)
		})
	}
}

func TestEncodeOmitsDefaults(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	assert.Equal(t, "", c.Encode(Default()))
	assert.Equal(t, "", c.Encode(Spec{}))
}

func TestEncodePublishedSecondPageOfTen(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	spec := Default()
	spec.Status = StatusPublished
	spec.Page = 2
	spec.PageSize = 10

	encoded := c.Encode(spec)
	values, err := url.ParseQuery(encoded)
	require.NoError(t, err)
	assert.Equal(t, "2", values.Get(ParamPage))
	assert.Equal(t, "10", values.Get(ParamPageSize))
	assert.Equal(t, "published", values.Get(ParamStatus))
	assert.False(t, values.Has(ParamSortBy))
	assert.False(t, values.Has(ParamOrder))
	assert.Equal(t, "page=2&page_size=10&status=published", encoded)
}

func TestEncodeEmitsOnlyOneTopicParameter(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	encoded := c.Encode(Spec{TopicID: 3, Topic: "geometry"})
	assert.Equal(t, "topic_id=3", encoded)
}

func TestRoundTripLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, mode := range []LegacySortMode{LegacySortPassThrough, LegacySortRemap, LegacySortSuppress} {
		c := mustCodec(t, mode)
		for i := 0; i < 500; i++ {
			raw := randomQuery(rng)
			parsed := c.Parse(raw)
			again := c.Parse(c.Encode(parsed))
			if diff := cmp.Diff(parsed, again); diff != "" {
				t.Fatalf("mode %s query %q does not round-trip (-first +second):\n%s", mode, raw, diff)
			}
		}
	}
}

func TestCanonicalIgnoresParameterOrder(t *testing.T) {
	c := mustCodec(t, LegacySortPassThrough)
	assert.Equal(t, c.Canonical("page=3&q=x&page_size=50"), c.Canonical("?q=x&page=3"))
}

func FuzzParseIsTotal(f *testing.F) {
	f.Add("q=x&page=2&page_size=10")
	f.Add("topic=a&topic_id=-1&sort_by=id")
	f.Add("%%%&&==;;useKeyset=1")
	c, err := NewCodec(LegacySortRemap)
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		spec := c.Parse(raw)
		if spec.Page < 1 || !validPageSize(spec.PageSize) || !validSortField(spec.SortBy) || spec.SortBy == SortID {
			t.Fatalf("out of domain spec %+v for %q", spec, raw)
		}
		if spec.Order != OrderAsc && spec.Order != OrderDesc {
			t.Fatalf("out of domain order %q for %q", spec.Order, raw)
		}
		if !validDifficulty(spec.Difficulty) || !validStatus(spec.Status) {
			t.Fatalf("out of domain enum in %+v for %q", spec, raw)
		}
		if spec.TopicID > 0 && spec.Topic != "" {
			t.Fatalf("both topic id and name set for %q", raw)
		}
		if again := c.Parse(c.Encode(spec)); again != spec {
			t.Fatalf("round trip changed %+v into %+v", spec, again)
		}
	})
}

func randomQuery(rng *rand.Rand) string {
	pick := func(options ...string) string { return options[rng.Intn(len(options))] }
	var parts []string
	if rng.Intn(2) == 0 {
		parts = append(parts, "q="+url.QueryEscape(pick("", " limits ", "x&y", "ünïcode", "%")))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "topic_id="+pick("1", "0", "-4", "abc", "9223372036854775807", "99999999999999999999"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "topic="+pick("algebra", "", "%20spaced%20"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "difficulty="+pick("easy", "MEDIUM", "hard", "nope"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "status="+pick("draft", "review", "published", "archived", "x"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "page="+pick("1", "2", "0", "-1", "abc", "1000000"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "page_size="+pick("10", "20", "50", "100", "7", ""))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "sort_by="+pick("id", "created", "updated", "difficulty", "topic", "status", "rank"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "order="+pick("asc", "desc", "DESC", "up"))
	}
	if rng.Intn(2) == 0 {
		parts = append(parts, "useKeyset="+pick("1", "0", "true"))
	}
	if rng.Intn(5) == 0 {
		parts = append(parts, "%zz=broken")
	}
	rng.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })
	return strings.Join(parts, "&")
}
