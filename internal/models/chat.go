package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Turn is one question/answer pair of the chat history. On the wire it is a
// two element array ["question", "answer"]; the object form
// {"question": ..., "answer": ...} is accepted as well.
type Turn struct {
	Question string
	Answer   string
}

func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.Question, t.Answer})
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty chat history entry")
	}
	switch data[0] {
	case '[':
		var pair []string
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("decode chat history pair: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("chat history pair must have 2 entries, got %d", len(pair))
		}
		t.Question, t.Answer = pair[0], pair[1]
	case '{':
		var obj struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode chat history object: %w", err)
		}
		t.Question, t.Answer = obj.Question, obj.Answer
	default:
		return fmt.Errorf("unsupported chat history entry %s", data)
	}
	return nil
}

// ChatRequest is the body of POST /chatbot.
type ChatRequest struct {
	Question    string `json:"question"`
	ChatHistory []Turn `json:"chat_history"`
}

// TrimHistory keeps the most recent max turns. max <= 0 keeps everything.
func TrimHistory(history []Turn, max int) []Turn {
	if max <= 0 || len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}
