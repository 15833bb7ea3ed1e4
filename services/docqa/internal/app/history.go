package app

import (
	"context"
	"sort"
	"strings"

	"docqa/internal/util"
	"docqa/pkg/domain"
)

// Record appends a question/answer exchange to the user's history. Store
// errors are returned to the caller.
func (a *App) Record(ctx context.Context, user domain.User, fileName, question, answer string) (domain.Question, error) {
	q := domain.Question{
		ID:       util.NewHexID(12),
		UserID:   user.ID,
		FileName: fileName,
		Question: question,
		Answer:   answer,
		AskedAt:  a.now(),
	}
	if err := a.store.SaveQuestion(ctx, q); err != nil {
		return domain.Question{}, external("record question", err)
	}
	return q, nil
}

// History lists the user's questions newest first; entries without a
// timestamp come last.
func (a *App) History(ctx context.Context, user domain.User) ([]domain.Question, error) {
	questions, err := a.store.ListQuestions(ctx, user.ID)
	if err != nil {
		return nil, external("list questions", err)
	}
	sortNewestFirst(questions)
	return questions, nil
}

func sortNewestFirst(questions []domain.Question) {
	sort.SliceStable(questions, func(i, j int) bool {
		ti, tj := questions[i].AskedAt, questions[j].AskedAt
		switch {
		case ti.IsZero():
			return false
		case tj.IsZero():
			return true
		default:
			return ti.After(tj)
		}
	})
}

// DeleteAllQuestions removes the user's history one entry at a time and
// returns how many entries were removed. Individual failures are logged and
// skipped.
func (a *App) DeleteAllQuestions(ctx context.Context, user domain.User) (int, error) {
	questions, err := a.store.ListQuestions(ctx, user.ID)
	if err != nil {
		return 0, external("list questions", err)
	}
	logger := util.LoggerFromContext(ctx).With("user_id", user.ID)
	removed := 0
	for _, q := range questions {
		ok, err := a.store.DeleteQuestion(ctx, user.ID, q.ID)
		if err != nil {
			logger.Warn("failed to delete question", "question_id", q.ID, "err", err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// DeleteQuestion removes one entry of the user's history.
func (a *App) DeleteQuestion(ctx context.Context, user domain.User, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, invalid("question id required")
	}
	ok, err := a.store.DeleteQuestion(ctx, user.ID, id)
	if err != nil {
		return false, external("delete question", err)
	}
	return ok, nil
}

// DeleteQuestionByKey removes the entry at (partition, row). Only the owner
// of the partition may do so.
func (a *App) DeleteQuestionByKey(ctx context.Context, requester domain.User, partition, row string) (bool, error) {
	if partition != requester.ID {
		return false, ErrForbidden
	}
	return a.DeleteQuestion(ctx, requester, row)
}
