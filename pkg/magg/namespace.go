package magg

import (
	"fmt"
	"net/url"
	"strings"
)

// namespace maps child capability identifiers into the frontend's flat
// space. Tool and prompt names get the server's prefix; resource URIs move
// into a magg+ scheme that survives a round trip through the reverse decode.
// A server configured with an empty prefix contributes tool and prompt names
// unchanged.
type namespace struct {
	// Separator joins prefix and native name. Empty means "_".
	Separator string
}

func (n namespace) separator() string {
	if n.Separator == "" {
		return "_"
	}
	return n.Separator
}

func (n namespace) toolName(prefix, toolName string) string {
	if prefix == "" {
		return toolName
	}
	return prefix + n.separator() + toolName
}

func (n namespace) promptName(prefix, promptName string) string {
	if prefix == "" {
		return promptName
	}
	return prefix + n.separator() + promptName
}

func (n namespace) resourceURI(server, resourceURI string) string {
	return n.resource("resources", server, resourceURI)
}

func (n namespace) resourceTemplateURI(server, templateURI string) string {
	return n.resource("templates", server, templateURI)
}

func (n namespace) nativeResourceURI(server, frontURI string) (string, bool) {
	return n.decodeResource("resources", server, frontURI)
}

func (n namespace) nativeResourceTemplateURI(server, frontURI string) (string, bool) {
	return n.decodeResource("templates", server, frontURI)
}

func (n namespace) resource(category, server, raw string) string {
	return fmt.Sprintf("magg+%s/%s::%s", url.PathEscape(server), category, raw)
}

func (n namespace) decodeResource(category, server, front string) (string, bool) {
	prefix := fmt.Sprintf("magg+%s/%s::", url.PathEscape(server), category)
	if !strings.HasPrefix(front, prefix) {
		return "", false
	}
	return strings.TrimPrefix(front, prefix), true
}
