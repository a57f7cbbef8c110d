package chat

import "github.com/suPer8Hu/ai-support/internal/common"

func NewSessionID() (string, error) {
	return common.NewULID()
}
