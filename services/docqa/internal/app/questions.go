package app

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"docqa/internal/util"
	"docqa/pkg/answer"
	"docqa/pkg/domain"
)

// Ask answers a question against one of the user's indexed documents and
// records the exchange. A failed model call is not an error: the returned
// answer carries the inline error message and nothing is recorded.
func (a *App) Ask(ctx context.Context, user domain.User, fileName, question string) (domain.Question, error) {
	doc, question, err := a.questionTarget(ctx, user, fileName, question)
	if err != nil {
		return domain.Question{}, err
	}
	text, err := a.answerer.Answer(ctx, doc.IndexName, question)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("answer generation failed", "document_id", doc.ID, "err", err)
		return domain.Question{
			UserID:   user.ID,
			FileName: doc.FileName,
			Question: question,
			Answer:   text,
		}, nil
	}
	return a.Record(ctx, user, doc.FileName, question, text)
}

// AskStream validates the question and returns the answer stream. The
// exchange is recorded once the stream completes; a recording failure is
// yielded as the final error.
func (a *App) AskStream(ctx context.Context, user domain.User, fileName, question string) (iter.Seq2[string, error], error) {
	doc, question, err := a.questionTarget(ctx, user, fileName, question)
	if err != nil {
		return nil, err
	}
	stream := a.answerer.Stream(ctx, doc.IndexName, question)
	return func(yield func(string, error) bool) {
		var full strings.Builder
		for fragment, err := range stream {
			if err != nil {
				yield("", err)
				return
			}
			full.WriteString(fragment)
			if !yield(fragment, nil) {
				return
			}
		}
		if _, err := a.Record(ctx, user, doc.FileName, question, full.String()); err != nil {
			yield("", err)
		}
	}, nil
}

func (a *App) questionTarget(ctx context.Context, user domain.User, fileName, question string) (domain.Document, string, error) {
	fileName = strings.TrimSpace(fileName)
	question = strings.TrimSpace(question)
	if fileName == "" || question == "" {
		return domain.Document{}, "", invalid("document and question required")
	}
	doc, found, err := a.store.FindDocumentByFileName(ctx, user.ID, fileName)
	if err != nil {
		return domain.Document{}, "", external("find document", err)
	}
	if !found {
		return domain.Document{}, "", fmt.Errorf("document %q: %w", fileName, ErrNotFound)
	}
	if doc.Status != domain.StatusIndexed {
		return domain.Document{}, "", ErrDocumentNotReady
	}
	return doc, question, nil
}

// ErrorText renders err the way failed answers are shown to users.
func ErrorText(err error) string {
	return answer.ErrorText(err)
}
