package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/xuri/excelize/v2"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func wordDoc(paras ...string) string {
	return `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		bytesJoin(paras) + `</w:body></w:document>`
}

func bytesJoin(parts []string) string {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteString(p)
	}
	return b.String()
}

func wPara(text string) string {
	return `<w:p w:rsidR="00AB"><w:r><w:t xml:space="preserve">` + text + `</w:t></w:r></w:p>`
}

func wHeading(text string) string {
	return `<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>` + text + `</w:t></w:r></w:p>`
}

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte("Hello world\r\nLine 2\r\n"), ".txt", "ds:1")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	want := []models.Article{{DocumentID: "ds:1", ArticleID: "body", Text: "Hello world\nLine 2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte("hello\x80world"), ".rst", "ds:1")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello\ufffdworld" {
		t.Errorf("got %+v", got)
	}
}

func TestExtractBytes_blankFileHasNoArticles(t *testing.T) {
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte(" \n\n\t\n"), ".txt", "ds:1")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d articles, want 0", len(got))
	}
}

func TestExtractBytes_markdownSections(t *testing.T) {
	src := "Intro line.\n\n" +
		"# Act\n\n" +
		"## Part 1 ##\n\nBody one.\n\nSecond para.\n\n" +
		"### Detail\n\nDeep body.\n\n" +
		"## Part 2\n\nBody two.\n\n```\n# not a heading\n```\n"
	e := NewExtractor()
	got, err := e.ExtractBytes([]byte(src), ".md", "laws:act")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	want := []models.Article{
		{DocumentID: "laws:act", ArticleID: "sec_001", Text: "Intro line."},
		{DocumentID: "laws:act", ArticleID: "sec_002", Text: "Body one.\n\nSecond para.", SectionHeading: "Part 1", AbsoluteAddress: "Act > Part 1"},
		{DocumentID: "laws:act", ArticleID: "sec_003", Text: "Deep body.", SectionHeading: "Detail", AbsoluteAddress: "Act > Part 1 > Detail"},
		{DocumentID: "laws:act", ArticleID: "sec_004", Text: "Body two.\n\n```\n# not a heading\n```", SectionHeading: "Part 2", AbsoluteAddress: "Act > Part 2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got  %+v\nwant %+v", got, want)
	}
}

func TestExtractBytes_excelSheetPerArticle(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractBytes(buf.Bytes(), ".xlsx", "ds:x")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	a := got[0]
	if a.ArticleID != "sheet_001" || a.SectionHeading != "Sheet1" {
		t.Errorf("got id %q heading %q", a.ArticleID, a.SectionHeading)
	}
	if want := []string{"Title", "Value 1\tValue 2"}; !reflect.DeepEqual(a.Paragraphs, want) {
		t.Errorf("paragraphs = %q, want %q", a.Paragraphs, want)
	}
	if a.Text != "Title\n\nValue 1\tValue 2" {
		t.Errorf("text = %q", a.Text)
	}
}

func TestExtractBytes_docx(t *testing.T) {
	content := zipOf(t, map[string]string{
		"word/document.xml": wordDoc(wPara("Searchable docx content"), `<w:p><w:r><w:t>Hel</w:t></w:r><w:r><w:t>lo &amp; bye</w:t></w:r></w:p>`),
	})
	got, err := NewExtractor().ExtractBytes(content, ".docx", "ds:d")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	if want := []string{"Searchable docx content", "Hello & bye"}; !reflect.DeepEqual(got[0].Paragraphs, want) {
		t.Errorf("paragraphs = %q, want %q", got[0].Paragraphs, want)
	}
}

func TestExtractBytes_docxHeadingsSplitArticles(t *testing.T) {
	content := zipOf(t, map[string]string{
		"word/document.xml": wordDoc(wPara("Preamble"), wHeading("Scope"), wPara("One"), wPara("Two"), wHeading("Terms"), wPara("Three")),
	})
	got, err := NewExtractor().ExtractBytes(content, ".docx", "ds:d")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d articles, want 3", len(got))
	}
	if got[0].SectionHeading != "" || got[0].Text != "Preamble" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ArticleID != "sec_002" || got[1].SectionHeading != "Scope" || got[1].Text != "One\n\nTwo" {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].SectionHeading != "Terms" || got[2].Text != "Three" {
		t.Errorf("third = %+v", got[2])
	}
}

func TestExtractBytes_docxContentTypes(t *testing.T) {
	tests := []struct {
		name     string
		override string
	}{
		{"part name first", `<Override PartName="/word/document2.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>`},
		{"content type first", `<Override ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml" PartName="/word/document2.xml"/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := zipOf(t, map[string]string{
				"[Content_Types].xml": `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` + tt.override + `</Types>`,
				"word/document2.xml":  wordDoc(wPara("Content from document2")),
			})
			got, err := NewExtractor().ExtractBytes(content, ".docx", "ds:d")
			if err != nil {
				t.Fatalf("ExtractBytes: %v", err)
			}
			if len(got) != 1 || got[0].Text != "Content from document2" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestExtractBytes_docxMissingBody(t *testing.T) {
	content := zipOf(t, map[string]string{"docProps/core.xml": "<x/>"})
	if _, err := NewExtractor().ExtractBytes(content, ".docx", "ds:d"); err == nil {
		t.Error("expected error when document.xml is missing")
	}
}

func slideXML(paras ...string) string {
	var b bytes.Buffer
	b.WriteString(`<p:sld><p:cSld><p:spTree><p:sp><p:txBody>`)
	for _, p := range paras {
		b.WriteString(`<a:p><a:r><a:t>` + p + `</a:t></a:r></a:p>`)
	}
	b.WriteString(`</p:txBody></p:sp></p:spTree></p:cSld></p:sld>`)
	return b.String()
}

func TestExtractBytes_pptxSlidesInOrder(t *testing.T) {
	content := zipOf(t, map[string]string{
		"ppt/slides/slide10.xml":           slideXML("Tenth"),
		"ppt/slides/slide2.xml":            slideXML("Second", "More"),
		"ppt/slides/slide1.xml":            slideXML("First"),
		"ppt/slides/_rels/slide1.xml.rels": "<Relationships/>",
	})
	got, err := NewExtractor().ExtractBytes(content, ".pptx", "ds:p")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ArticleID)
	}
	if want := []string{"slide_001", "slide_002", "slide_010"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %q, want %q", ids, want)
	}
	if got[1].SectionHeading != "Second" || got[1].Text != "Second\n\nMore" || got[1].AbsoluteAddress != "Slide 2" {
		t.Errorf("second slide = %+v", got[1])
	}
}

func TestExtractBytes_pptxNotZip(t *testing.T) {
	if _, err := NewExtractor().ExtractBytes([]byte("not a zip"), ".pptx", "ds:p"); err == nil {
		t.Error("expected error for invalid pptx")
	}
}

func TestExtractBytes_odpPages(t *testing.T) {
	xml := `<office:document><office:body><office:presentation>` +
		`<draw:page draw:name="Intro" draw:style-name="dp1"><text:h>Slide title</text:h><text:p>Body <text:span>text</text:span></text:p></draw:page>` +
		`<draw:page draw:name="Blank"></draw:page>` +
		`<draw:page draw:name="End"><text:p>Bye</text:p><text:p text:style-name="P1"/></draw:page>` +
		`</office:presentation></office:body></office:document>`
	got, err := NewExtractor().ExtractBytes(zipOf(t, map[string]string{"content.xml": xml}), ".odp", "ds:o")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d articles, want 2", len(got))
	}
	if got[0].SectionHeading != "Intro" || !reflect.DeepEqual(got[0].Paragraphs, []string{"Slide title", "Body text"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ArticleID != "slide_003" || got[1].Text != "Bye" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestExtractBytes_odsTables(t *testing.T) {
	xml := `<office:document><office:body><office:spreadsheet>` +
		`<table:table table:name="Rates"><table:table-row><table:table-cell office:value-type="string"><text:p>Cell A</text:p></table:table-cell><table:table-cell><text:p>Cell B</text:p></table:table-cell></table:table-row>` +
		`<table:table-row><table:table-cell/></table:table-row></table:table>` +
		`</office:spreadsheet></office:body></office:document>`
	got, err := NewExtractor().ExtractBytes(zipOf(t, map[string]string{"content.xml": xml}), ".ods", "ds:s")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	if got[0].SectionHeading != "Rates" || !reflect.DeepEqual(got[0].Paragraphs, []string{"Cell A\tCell B"}) {
		t.Errorf("got %+v", got[0])
	}
}

func TestExtractBytes_odfContentNotFound(t *testing.T) {
	for _, ext := range []string{".odp", ".ods"} {
		content := zipOf(t, map[string]string{"other.xml": "<x/>"})
		if _, err := NewExtractor().ExtractBytes(content, ext, "ds:o"); err == nil {
			t.Errorf("%s: expected error when content.xml missing", ext)
		}
	}
}

func TestExtractBytes_pdfInvalid(t *testing.T) {
	if _, err := NewExtractor().ExtractBytes([]byte("not a pdf"), ".pdf", "ds:p"); err == nil {
		t.Error("expected error for invalid pdf")
	}
}

func TestExtract_unsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0600); err != nil {
		t.Fatal(err)
	}
	_, err := NewExtractor().Extract(path, "ds:i")
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExtract_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.MD")
	if err := os.WriteFile(path, []byte("# Title\n\nFile content"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := NewExtractor().Extract(path, "ds:n")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got) != 1 || got[0].Text != "File content" || got[0].SectionHeading != "Title" {
		t.Errorf("got %+v", got)
	}
}

func TestExtract_nonexistent(t *testing.T) {
	if _, err := NewExtractor().Extract("/nonexistent/path/file.txt", "ds:x"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestSupported(t *testing.T) {
	tests := map[string]bool{".md": true, ".PDF": true, ".xlsx": true, ".odt": true, ".png": false, "": false}
	for ext, want := range tests {
		if got := Supported(ext); got != want {
			t.Errorf("Supported(%q) = %v, want %v", ext, got, want)
		}
	}
}
