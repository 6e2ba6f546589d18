package model

import "errors"

var (
	ErrVoteConflict      = errors.New("vote already exists")
	ErrTargetNotFound    = errors.New("target not found")
	ErrAnswerNotFound    = errors.New("answer not found")
	ErrInvalidDirection  = errors.New("invalid vote direction")
	ErrInvalidKind       = errors.New("invalid target kind")
	ErrNotQuestionAuthor = errors.New("only question author can accept answers")
)
