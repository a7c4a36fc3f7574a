package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mathimport/internal/model"
	"github.com/xxxsen/mathimport/internal/pkg/response"
)

type QuestionLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]model.Question, error)
}

type QuestionHandler struct {
	questions QuestionLister
}

func NewQuestionHandler(questions QuestionLister) *QuestionHandler {
	return &QuestionHandler{questions: questions}
}

func (h *QuestionHandler) List(c *gin.Context) {
	items, err := h.questions.ListBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"questions": items})
}
