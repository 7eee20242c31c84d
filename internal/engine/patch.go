package engine

import (
	"bytes"
	"fmt"
	"regexp"

	"golang.org/x/net/html"
)

// Injector 负责在入口 HTML 中插入或移除脚本引用。
type Injector struct {
	src     string
	marker  []byte
	pattern *regexp.Regexp
}

// NewInjector 创建引用 ./<assetName>/<scriptName> 的注入器。
func NewInjector(assetName, scriptName string) *Injector {
	src := "./" + assetName + "/" + scriptName
	return &Injector{
		src:     src,
		marker:  []byte(scriptName),
		// 旧版本写入时在标签前带有换行与缩进，一并移除。
		pattern: regexp.MustCompile(`\n?[ \t]*<script src="` + regexp.QuoteMeta(src) + `\?v=\d*"></script>`),
	}
}

// Tag 返回带版本参数的脚本标签。
func (in *Injector) Tag(version int64) string {
	return fmt.Sprintf(`<script src="%s?v=%d"></script>`, in.src, version)
}

// Present 判断内容中是否已引用脚本。
func (in *Injector) Present(content []byte) bool {
	return bytes.Contains(content, in.marker)
}

// Inject 在 <body> 起始标签之后插入脚本引用，其余内容原样保留。
// 已存在引用时返回原内容且 changed=false。
func (in *Injector) Inject(content []byte, version int64) (out []byte, changed bool, err error) {
	if in.Present(content) {
		return content, false, nil
	}
	end, ok := bodyStartEnd(content)
	if !ok {
		return content, false, fmt.Errorf("no <body> tag found")
	}
	var buf bytes.Buffer
	buf.Grow(len(content) + len(in.src) + 48)
	buf.Write(content[:end])
	buf.WriteString("\n")
	buf.WriteString(in.Tag(version))
	buf.Write(content[end:])
	return buf.Bytes(), true, nil
}

// Strip 移除全部由 Inject 写入的脚本引用。
func (in *Injector) Strip(content []byte) ([]byte, bool) {
	if !in.pattern.Match(content) {
		return content, false
	}
	return in.pattern.ReplaceAll(content, nil), true
}

// bodyStartEnd 返回第一个 <body> 起始标签结束处的字节偏移。
// 使用分词器跳过注释、脚本文本中出现的 "<body>" 字样。
func bodyStartEnd(content []byte) (int, bool) {
	z := html.NewTokenizer(bytes.NewReader(content))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return 0, false
		}
		offset += len(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, _ := z.TagName()
		if string(name) == "body" {
			return offset, true
		}
	}
}
