package extract_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jrsteele09/go-learn-gateway/extract"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantTitle string
		wantLinks []extract.Link
	}{
		{
			name:      "title and links",
			body:      `<html><head><title>  My   Grades </title></head><body><a href="/a">First <b>link</b></a><a>no href</a><a href="https://x.example.com/b"></a></body></html>`,
			wantTitle: "My Grades",
			wantLinks: []extract.Link{{Text: "First link", Href: "/a"}, {Text: "", Href: "https://x.example.com/b"}},
		},
		{
			name:      "no title",
			body:      `<p>hello</p>`,
			wantTitle: "",
			wantLinks: []extract.Link{},
		},
		{
			name:      "first title wins",
			body:      `<title>one</title><svg><title>two</title></svg>`,
			wantTitle: "one",
			wantLinks: []extract.Link{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := extract.Parse([]byte(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.wantTitle, page.Title)
			require.Equal(t, tt.wantLinks, page.Links)
		})
	}
}

func TestParseKeepsFirst25Links(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, `<a href="/l%d">link %d</a>`, i, i)
	}
	sb.WriteString("</body><title>late</title></html>")

	page, err := extract.Parse([]byte(sb.String()))
	require.NoError(t, err)
	require.Len(t, page.Links, extract.MaxLinks)
	require.Equal(t, "/l0", page.Links[0].Href)
	require.Equal(t, "link 24", page.Links[24].Text)
	require.Equal(t, "late", page.Title)
}
