package tools

import (
	"context"
	"strings"
)

// MsgDefinitionNotFound is the result for words missing from the dictionary.
const MsgDefinitionNotFound = "Definition not found."

var definitions = map[string]string{
	"ai":         "Artificial Intelligence: the simulation of human intelligence by machines, especially computer systems.",
	"api":        "Application Programming Interface: a set of rules that lets one piece of software talk to another.",
	"javascript": "A high-level programming language that runs in web browsers and on servers, used to make pages interactive.",
	"go":         "A statically typed, compiled programming language designed at Google for simple, reliable, and efficient software.",
	"http":       "HyperText Transfer Protocol: the request/response protocol used to transfer data on the web.",
	"json":       "JavaScript Object Notation: a lightweight text format for exchanging structured data.",
	"recursion":  "A technique where a function solves a problem by calling itself on smaller instances of the same problem.",
	"persona":    "A named role or character that shapes the tone and behavior of an assistant.",
}

func handleDefineWord(_ context.Context, args map[string]any) (string, error) {
	word, _ := stringArg(args, "word")
	if def, ok := definitions[strings.ToLower(strings.TrimSpace(word))]; ok {
		return def, nil
	}
	return MsgDefinitionNotFound, nil
}
