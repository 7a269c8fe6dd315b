package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"finrag/internal/models"
)

type readFunc func(filePath string) ([]models.PageText, error)

var readers = map[string]readFunc{
	".pdf":      readPDF,
	".docx":     readDOCX,
	".pptx":     readPPTX,
	".xlsx":     readXLSX,
	".xlsm":     readXLSX,
	".md":       readMarkdown,
	".markdown": readMarkdown,
	".txt":      readText,
}

var (
	wordTextRe    = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	drawingTextRe = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideNameRe   = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// Supported reports whether ReadPages knows the file's extension.
func Supported(filePath string) bool {
	_, ok := readers[strings.ToLower(filepath.Ext(filePath))]
	return ok
}

// ReadPages extracts ordered page texts. Pages that cannot be decoded yield
// empty text instead of failing the document.
func ReadPages(filePath string) ([]models.PageText, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	read, ok := readers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
	return read(filePath)
}

func readPDF(filePath string) (pages []models.PageText, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to open pdf %s: %v", filePath, r)
		}
	}()

	f, reader, err := pdf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", filePath, err)
	}
	defer f.Close()

	numPages := reader.NumPage()
	pages = make([]models.PageText, 0, numPages)
	for i := 1; i <= numPages; i++ {
		pages = append(pages, models.PageText{PageNumber: i, Text: pdfPageText(reader, i)})
	}
	return pages, nil
}

// pdfPageText tries the plain-text extractor first and falls back to row-wise
// extraction; anything that still fails becomes an empty page.
func pdfPageText(reader *pdf.Reader, num int) (pageText string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Int("page", num).Interface("panic", r).Msg("PDF page extraction failed")
			pageText = ""
		}
	}()

	page := reader.Page(num)
	if page.V.IsNull() {
		return ""
	}

	plain, err := page.GetPlainText(nil)
	if err == nil && strings.TrimSpace(plain) != "" {
		return plain
	}

	rows, err := page.GetTextByRow()
	if err != nil {
		log.Warn().Err(err).Int("page", num).Msg("PDF page has no extractable text")
		return ""
	}
	var b strings.Builder
	for _, row := range rows {
		for i, word := range row.Content {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(word.S)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DOCX has no page numbers, the whole body is page 1.
func readDOCX(filePath string) ([]models.PageText, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open docx %s: %w", filePath, err)
	}
	defer r.Close()

	return []models.PageText{{PageNumber: 1, Text: extractWordText(r.Editable().GetContent())}}, nil
}

func extractWordText(xmlContent string) string {
	return extractRuns(xmlContent, "</w:p>", wordTextRe)
}

// extractRuns joins the text runs matched by re, one line per paragraph.
func extractRuns(xmlContent, paraEnd string, re *regexp.Regexp) string {
	var b strings.Builder
	for _, para := range strings.Split(xmlContent, paraEnd) {
		for _, m := range re.FindAllStringSubmatch(para, -1) {
			b.WriteString(html.UnescapeString(m[1]))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Each slide becomes one page, numbered as in the deck. Unreadable slides are empty.
func readPPTX(filePath string) ([]models.PageText, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pptx %s: %w", filePath, err)
	}
	defer zr.Close()

	var pages []models.PageText
	for _, f := range zr.File {
		m := slideNameRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			log.Warn().Err(err).Str("slide", f.Name).Msg("Skipping unreadable slide")
			pages = append(pages, models.PageText{PageNumber: num})
			continue
		}
		pages = append(pages, models.PageText{PageNumber: num, Text: extractRuns(string(data), "</a:p>", drawingTextRe)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Each worksheet becomes one page, rows as tab-separated lines.
func readXLSX(filePath string) ([]models.PageText, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", filePath, err)
	}
	defer f.Close()

	var pages []models.PageText
	for i, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheetName).Msg("Skipping unreadable sheet")
			pages = append(pages, models.PageText{PageNumber: i + 1})
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## Sheet: %s\n", sheetName)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		pages = append(pages, models.PageText{PageNumber: i + 1, Text: b.String()})
	}
	return pages, nil
}

func readMarkdown(filePath string) ([]models.PageText, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	plain, err := markdownToText(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse markdown %s: %w", filePath, err)
	}
	return []models.PageText{{PageNumber: 1, Text: plain}}, nil
}

// markdownToText walks the goldmark AST and keeps only the readable text.
func markdownToText(src []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	root := md.Parser().Parse(text.NewReader(src))

	var b bytes.Buffer
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Plain text pages are separated by form feeds.
func readText(filePath string) ([]models.PageText, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var pages []models.PageText
	for i, part := range strings.Split(string(data), "\f") {
		pages = append(pages, models.PageText{PageNumber: i + 1, Text: part})
	}
	return pages, nil
}
