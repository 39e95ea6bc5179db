package audit

import (
	"context"
	"errors"
)

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes the searchable subset of each row.
type ElasticsearchSink struct {
	es    documentIndexer
	index string
}

func NewElasticsearchSink(es documentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, rows []Row) error {
	var errs []error
	for _, r := range rows {
		if err := s.es.IndexDocument(ctx, s.index, r.ID, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
