package reports

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTermsDoc(n int, term func(i int) string) string {
	var b strings.Builder
	b.WriteString(`{"reportSpecification":{"reportType":"GET_BRAND_ANALYTICS_SEARCH_TERMS_REPORT","marketplaceIds":["X"]},`)
	b.WriteString(`"dataByDepartmentAndSearchTerm":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"departmentName":"Amazon.com","searchTerm":%q,"searchFrequencyRank":%d,"clickedAsin":"B%09d","clickShareRank":1,"clickShare":0.5,"conversionShare":0.25}`,
			term(i), i+1, i)
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestStreamSearchTermsBatches(t *testing.T) {
	doc := searchTermsDoc(1000, func(i int) string {
		if i%2 == 0 {
			return " Dog Bed "
		}
		return "cat toy"
	})

	var sizes []int
	stats, err := StreamSearchTerms(strings.NewReader(doc), NewKeywordSet([]string{"dog bed"}), 200,
		func(rows []SearchTermRow) (int, error) {
			sizes = append(sizes, len(rows))
			return len(rows), nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int{200, 200, 100}, sizes)
	assert.Equal(t, StreamStats{Scanned: 1000, Matched: 500, Flushed: 500}, stats)
}

func TestStreamSearchTermsFlushesOnScanError(t *testing.T) {
	doc := searchTermsDoc(5, func(int) string { return "dog bed" })
	truncated := doc[:len(doc)-40]

	var flushed int
	stats, err := StreamSearchTerms(strings.NewReader(truncated), NewKeywordSet([]string{"dog bed"}), 200,
		func(rows []SearchTermRow) (int, error) {
			flushed += len(rows)
			return len(rows), nil
		})
	require.Error(t, err)
	assert.Equal(t, 4, flushed)
	assert.Equal(t, 4, stats.Flushed)
}

func TestStreamSearchTermsFlushError(t *testing.T) {
	doc := searchTermsDoc(10, func(int) string { return "dog bed" })
	boom := errors.New("db down")

	_, err := StreamSearchTerms(strings.NewReader(doc), NewKeywordSet([]string{"dog bed"}), 3,
		func(rows []SearchTermRow) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestStreamSearchTermsMissingArray(t *testing.T) {
	_, err := StreamSearchTerms(strings.NewReader(`{"other":[1,2]}`), NewKeywordSet(nil), 0,
		func(rows []SearchTermRow) (int, error) { return len(rows), nil })
	assert.ErrorContains(t, err, "dataByDepartmentAndSearchTerm")
}

func TestFilterSearchTerms(t *testing.T) {
	doc := searchTermsDoc(6, func(i int) string { return []string{"a", "B", "c"}[i%3] })

	rows, stats, err := FilterSearchTerms([]byte(doc), NewKeywordSet([]string{"b", "  C"}))
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.Equal(t, 6, stats.Scanned)
	assert.Equal(t, 4, stats.Matched)
	assert.Equal(t, "B000000001", rows[0].ClickedASIN)
}

func TestKeywordSet(t *testing.T) {
	set := NewKeywordSet([]string{"Dog Bed", "", "  "})
	assert.Len(t, set, 1)
	assert.True(t, set.Contains("dog bed"))
	assert.True(t, set.Contains(" DOG BED"))
	assert.False(t, set.Contains("dog"))
}
