package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/ctxwin/internal/contextwindow"
)

//go:embed conversation.schema.json
var conversationSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func conversationSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(conversationSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("conversation.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("conversation.json")
	})
	return schema, schemaErr
}

// conversation is a loaded input file. Model is optional and only used when
// -model is not given.
type conversation struct {
	Model    string                  `json:"model,omitempty"`
	Messages []contextwindow.Message `json:"messages"`
}

// parseConversation accepts a bare message array or {"messages": [...]}.
func parseConversation(data []byte) (conversation, error) {
	sch, err := conversationSchema()
	if err != nil {
		return conversation{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return conversation{}, fmt.Errorf("parse conversation: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return conversation{}, fmt.Errorf("invalid conversation: %w", err)
	}

	var conv conversation
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &conv.Messages)
	} else {
		err = json.Unmarshal(trimmed, &conv)
	}
	if err != nil {
		return conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []contextwindow.Message{}
	}
	return conv, nil
}

// loadConversation reads path, or stdin when path is "" or "-".
func loadConversation(path string, stdin io.Reader) (conversation, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	return parseConversation(data)
}
