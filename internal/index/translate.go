package index

import (
	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/query"
)

// translate turns a parsed clause tree into a bleve query. Bare terms fan out
// over defaultFields; field:value terms target exactly one field, and a field
// the index has never seen simply matches nothing.
func translate(g *query.Group, defaultFields []string) bq.Query {
	var must, should, mustNot []bq.Query
	for _, c := range g.Clauses {
		sub := translateNode(c.Node, defaultFields)
		switch c.Occur {
		case query.Must:
			must = append(must, sub)
		case query.MustNot:
			mustNot = append(mustNot, sub)
		default:
			should = append(should, sub)
		}
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return anyOf(should)
	}
	b := bleve.NewBooleanQuery()
	switch {
	case len(must) > 0:
		b.AddMust(must...)
		if len(should) > 0 {
			b.AddShould(should...)
		}
	case len(should) > 0:
		// Without a required clause at least one optional clause must match.
		b.AddMust(anyOf(should))
	default:
		b.AddMust(bleve.NewMatchAllQuery())
	}
	if len(mustNot) > 0 {
		b.AddMustNot(mustNot...)
	}
	return b
}

func translateNode(n query.Node, defaultFields []string) bq.Query {
	switch n := n.(type) {
	case *query.Group:
		return translate(n, defaultFields)
	case *query.Term:
		fields := defaultFields
		if n.Field != "" {
			fields = []string{n.Field}
		}
		qs := make([]bq.Query, 0, len(fields))
		for _, f := range fields {
			qs = append(qs, fieldQuery(f, n))
		}
		return anyOf(qs)
	default:
		return bleve.NewMatchNoneQuery()
	}
}

func fieldQuery(field string, t *query.Term) bq.Query {
	if t.Phrase {
		q := bleve.NewMatchPhraseQuery(t.Text)
		q.SetField(field)
		return q
	}
	q := bleve.NewMatchQuery(t.Text)
	q.SetField(field)
	return q
}

func anyOf(qs []bq.Query) bq.Query {
	switch len(qs) {
	case 0:
		return bleve.NewMatchNoneQuery()
	case 1:
		return qs[0]
	default:
		return bleve.NewDisjunctionQuery(qs...)
	}
}
