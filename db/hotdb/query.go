package hotdb

import (
	"regexp"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

var quotedPhrasePattern = regexp.MustCompile(`"([^"]*)"`)

// parseQuotedQuery splits a raw query into its quoted phrases and the
// remaining unquoted terms. Empty phrases are dropped; surrounding
// whitespace is trimmed from both.
func parseQuotedQuery(input string) ([]string, string) {
	var quoted []string

	remaining := quotedPhrasePattern.ReplaceAllStringFunc(input, func(match string) string {
		phrase := strings.TrimSpace(strings.Trim(match, `"`))
		if phrase != "" {
			quoted = append(quoted, phrase)
		}
		return " "
	})

	return quoted, strings.Join(strings.Fields(remaining), " ")
}

// buildSearchQuery normalizes a raw query string:
//   - quoted phrases pass through verbatim as phrase matches
//   - multi-term unquoted queries require all terms to match
//   - a single term also matches as a prefix, to support partial typing
func buildSearchQuery(queryString string) query.Query {

	queryString = strings.ToLower(strings.TrimSpace(queryString))

	if queryString == "" {
		return bleve.NewMatchAllQuery()
	}

	phrases, remaining := parseQuotedQuery(queryString)

	var conjuncts []query.Query

	for _, phrase := range phrases {
		phraseQuery := bleve.NewMatchPhraseQuery(phrase)
		phraseQuery.SetField(indexFieldContent)
		conjuncts = append(conjuncts, phraseQuery)
	}

	terms := strings.Fields(remaining)
	switch {
	case len(terms) == 1:
		matchQuery := bleve.NewMatchQuery(terms[0])
		matchQuery.SetField(indexFieldContent)

		prefixQuery := bleve.NewPrefixQuery(terms[0])
		prefixQuery.SetField(indexFieldContent)

		conjuncts = append(conjuncts, bleve.NewDisjunctionQuery(matchQuery, prefixQuery))

	case len(terms) > 1:
		for _, term := range terms {
			matchQuery := bleve.NewMatchQuery(term)
			matchQuery.SetField(indexFieldContent)
			conjuncts = append(conjuncts, matchQuery)
		}
	}

	if len(conjuncts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	if len(conjuncts) == 1 {
		return conjuncts[0]
	}

	return bleve.NewConjunctionQuery(conjuncts...)
}
