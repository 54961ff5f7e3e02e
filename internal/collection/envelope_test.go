package collection

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/qbanksync/internal/filter"
)

func filterSpec() filter.Spec {
	spec := filter.Default()
	spec.Status = filter.StatusPublished
	spec.Page = 2
	spec.PageSize = 10
	return spec
}

func TestNormalizeListBodyVariants(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		kind       envelopeKind
		ids        []int64
		total      int64
		nextCursor string
	}{
		{
			name:  "bare array",
			body:  `[{"id":3},{"id":1}]`,
			kind:  envelopeBareArray,
			ids:   []int64{3, 1},
			total: 2,
		},
		{
			name:       "results with total",
			body:       `{"results":[{"id":7}],"total":41,"next_cursor":"abc"}`,
			kind:       envelopeResults,
			ids:        []int64{7},
			total:      41,
			nextCursor: "abc",
		},
		{
			name:       "items with count and camel cursor",
			body:       `{"items":[{"id":2},{"id":5}],"count":9,"nextCursor":"xyz"}`,
			kind:       envelopeItems,
			ids:        []int64{2, 5},
			total:      9,
			nextCursor: "xyz",
		},
		{
			name:  "keyed results ordered by numeric key",
			body:  `{"results":{"10":{"prompt":"ten"},"9":{"prompt":"nine"},"100":{"id":100}},"total":3}`,
			kind:  envelopeKeyedResults,
			ids:   []int64{9, 10, 100},
			total: 3,
		},
		{
			name:  "keyed items without total",
			body:  `{"items":{"2":{"id":2},"1":{"id":1}}}`,
			kind:  envelopeKeyedItems,
			ids:   []int64{1, 2},
			total: 2,
		},
		{
			name:  "empty results",
			body:  `{"results":[],"total":0}`,
			kind:  envelopeResults,
			ids:   []int64{},
			total: 0,
		},
		{
			name:  "empty body",
			body:  ``,
			kind:  envelopeBareArray,
			ids:   []int64{},
			total: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := decodeListEnvelope([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, env.kind)

			page, err := env.normalize()
			require.NoError(t, err)
			ids := make([]int64, 0, len(page.Results))
			for _, rec := range page.Results {
				ids = append(ids, rec.ID)
			}
			if diff := cmp.Diff(tc.ids, ids); diff != "" {
				t.Fatalf("ids mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tc.total, page.Total)
			assert.Equal(t, tc.nextCursor, page.NextCursor)
		})
	}
}

func TestNormalizeListBodyRejectsUnknownShape(t *testing.T) {
	_, err := normalizeListBody([]byte(`{"data":[]}`))
	assert.Error(t, err)

	_, err = normalizeListBody([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewHTTPErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"code and message", 409, `{"code":"conflict","message":"revision moved"}`, "conflict", "revision moved"},
		{"problem detail", 422, `{"type":"about:blank","title":"Unprocessable","detail":"prompt too long"}`, "", "prompt too long"},
		{"problem title only", 400, `{"title":"Bad Request"}`, "", "Bad Request"},
		{"error string", 400, `{"error":"bad filter"}`, "", "bad filter"},
		{"error object", 400, `{"error":{"message":"nested"}}`, "", "nested"},
		{"raw text", 502, "upstream exploded", "", "upstream exploded"},
		{"empty body", 503, "", "", "service unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := newHTTPError(tc.status, []byte(tc.body))
			assert.Equal(t, tc.status, err.StatusCode)
			assert.Equal(t, tc.code, err.Code)
			assert.Equal(t, tc.message, err.Message)
		})
	}
}

func TestNewHTTPErrorTruncatesRawText(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := newHTTPError(500, long)
	assert.Len(t, err.Message, maxRawMessage)
	assert.Equal(t, 5, err.Class())
}

func TestNewHTTPErrorTruncatesOnRuneBoundary(t *testing.T) {
	// The two-byte runes start at odd offsets, so byte 200 falls inside one.
	body := "a" + strings.Repeat("é", 150)
	err := newHTTPError(502, []byte(body))
	assert.True(t, utf8.ValidString(err.Message))
	assert.Len(t, err.Message, maxRawMessage-1)
	assert.True(t, strings.HasPrefix(body, err.Message))
}

func TestClassify(t *testing.T) {
	notFound := classify(&HTTPError{StatusCode: 404}, 3, "")
	assert.ErrorIs(t, notFound, ErrNotFound)

	gone := classify(&HTTPError{StatusCode: 410}, 3, "")
	assert.ErrorIs(t, gone, ErrNotFound)

	stale := classify(&HTTPError{StatusCode: 412}, 3, `"rev_1"`)
	assert.ErrorIs(t, stale, ErrPreconditionFailed)
	var precondition *PreconditionError
	require.ErrorAs(t, stale, &precondition)
	assert.Equal(t, `"rev_1"`, precondition.Token)

	conflict := classify(&HTTPError{StatusCode: 409}, 3, "")
	assert.NotErrorIs(t, conflict, ErrPreconditionFailed)
	var httpErr *HTTPError
	assert.ErrorAs(t, conflict, &httpErr)
}

func TestValidateInput(t *testing.T) {
	valid := RecordInput{Prompt: "2+2?", Difficulty: "easy", Status: "draft", Choices: []string{"3", "4"}}
	assert.NoError(t, ValidateInput(valid))

	assert.ErrorIs(t, ValidateInput(RecordInput{Difficulty: "easy", Status: "draft"}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateInput(RecordInput{Prompt: "x", Difficulty: "trivial", Status: "draft"}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateInputJSON([]byte(`{"prompt":"x","difficulty":"easy"}`)), ErrInvalidInput)
	assert.ErrorIs(t, ValidateInputJSON([]byte(`{`)), ErrInvalidInput)
}

func TestListQueryAlwaysSendsPagingAndSort(t *testing.T) {
	q := listQuery(filterSpec(), "")
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "10", q.Get("page_size"))
	assert.Equal(t, "updated", q.Get("sort_by"))
	assert.Equal(t, "desc", q.Get("order"))
	assert.Equal(t, "published", q.Get("status"))
	assert.Empty(t, q.Get("cursor"))

	keyset := filterSpec()
	keyset.Keyset = true
	q = listQuery(keyset, "cur_1")
	assert.Equal(t, "cur_1", q.Get("cursor"))
	assert.Empty(t, q.Get("page"))
}

func TestRetryDelay(t *testing.T) {
	c := NewHTTPClient(ClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, c.retryDelay(2, ""))
	assert.Equal(t, time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, "soon"))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080", websocketURL("http://127.0.0.1:8080"))
	assert.Equal(t, "wss://qbank.example", websocketURL("https://qbank.example"))
}
