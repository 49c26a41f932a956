package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// loginPathPatterns URL 路径中指示登录链接的模式
var loginPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/login`),
	regexp.MustCompile(`(?i)/auth`),
	regexp.MustCompile(`(?i)/verify`),
	regexp.MustCompile(`(?i)/magic`),
	regexp.MustCompile(`(?i)/signin`),
	regexp.MustCompile(`(?i)/sign-in`),
	regexp.MustCompile(`(?i)/confirm`),
	regexp.MustCompile(`(?i)/sso`),
	regexp.MustCompile(`(?i)/callback`),
	regexp.MustCompile(`(?i)/authenticate`),
	regexp.MustCompile(`(?i)/access`),
}

// tokenParamPatterns 指示认证令牌的查询参数名（精确匹配）
var tokenParamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^token$`),
	regexp.MustCompile(`(?i)^code$`),
	regexp.MustCompile(`(?i)^key$`),
	regexp.MustCompile(`(?i)^t$`),
	regexp.MustCompile(`(?i)^k$`),
	regexp.MustCompile(`(?i)^otp$`),
	regexp.MustCompile(`(?i)^magic$`),
	regexp.MustCompile(`(?i)^auth$`),
	regexp.MustCompile(`(?i)^session$`),
	regexp.MustCompile(`(?i)^ticket$`),
}

// excludePatterns 命中即排除的链接模式（退订、法务、社交网络等）
var excludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unsubscribe`),
	regexp.MustCompile(`(?i)opt-out`),
	regexp.MustCompile(`(?i)optout`),
	regexp.MustCompile(`(?i)preferences`),
	regexp.MustCompile(`(?i)privacy`),
	regexp.MustCompile(`(?i)terms`),
	regexp.MustCompile(`(?i)legal`),
	regexp.MustCompile(`(?i)policy`),
	regexp.MustCompile(`(?i)facebook\.com`),
	regexp.MustCompile(`(?i)twitter\.com`),
	regexp.MustCompile(`(?i)linkedin\.com`),
	regexp.MustCompile(`(?i)instagram\.com`),
	regexp.MustCompile(`(?i)support`),
	regexp.MustCompile(`(?i)help`),
	regexp.MustCompile(`(?i)faq`),
	regexp.MustCompile(`(?i)mailto:`),
	regexp.MustCompile(`(?i)tel:`),
}

// anchor 文档中一个带 href 的锚元素
type anchor struct {
	href     string
	class    string
	style    string
	inTable  bool
	position int // 在全部锚元素中的出现顺序（从 0 开始）
}

// scoredLink 打分后的候选链接
type scoredLink struct {
	url      string
	score    int
	position int
}

// ExtractMagicLink 从 HTML/纯文本邮件正文中提取最可能的登录链接。
//
// 两阶段设计：先对所有锚链接按启发式打分取最高分；
// 若无任何得分候选，则退回宽松遍历——返回第一个通过排除检查
// 且路径段或查询值中含令牌形态的链接。都没有则返回空串。
func ExtractMagicLink(body string) string {
	anchors := collectAnchors(body)

	scored := make([]scoredLink, 0, len(anchors))
	for _, a := range anchors {
		if s, ok := scoreLink(a); ok && s.score > 0 {
			scored = append(scored, s)
		}
	}

	// 稳定排序：同分时文档序靠前者胜出
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if len(scored) > 0 {
		return scored[0].url
	}

	// 兜底：真实登录邮件有时只有一条无任何样式/位置信号的令牌链接
	for _, a := range anchors {
		if fallbackMatch(a.href) {
			return a.href
		}
	}

	return ""
}

// collectAnchors 解析正文并按文档序收集所有带 href 的锚元素。
func collectAnchors(body string) []anchor {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var anchors []anchor
	var walk func(n *html.Node, tableDepth int)
	walk = func(n *html.Node, tableDepth int) {
		if n.Type == html.ElementNode {
			if n.Data == "table" {
				tableDepth++
			}
			if n.Data == "a" {
				var href, class, style string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "href":
						href = attr.Val
					case "class":
						class = attr.Val
					case "style":
						style = attr.Val
					}
				}
				if href != "" {
					anchors = append(anchors, anchor{
						href:     href,
						class:    class,
						style:    style,
						inTable:  tableDepth > 0,
						position: len(anchors),
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, tableDepth)
		}
	}
	walk(doc, 0)

	return anchors
}

// scoreLink 对单个锚链接打分，被排除或无法解析时 ok 为 false。
func scoreLink(a anchor) (scoredLink, bool) {
	parsed, err := url.Parse(a.href)
	if err != nil {
		return scoredLink{}, false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return scoredLink{}, false
	}

	for _, pattern := range excludePatterns {
		if pattern.MatchString(a.href) {
			return scoredLink{}, false
		}
	}

	score := 0

	// 登录路径模式最多加一次分
	for _, pattern := range loginPathPatterns {
		if pattern.MatchString(parsed.Path) {
			score += 10
			break
		}
	}

	// 查询参数：名字命中每个参数名加一次，值像令牌逐个加分
	for name, values := range parsed.Query() {
		for _, pattern := range tokenParamPatterns {
			if pattern.MatchString(name) {
				score += 15
				break
			}
		}
		for _, value := range values {
			if LooksLikeToken(value) {
				score += 10
			}
		}
	}

	// 路径段含令牌形态，首个命中加一次
	for _, segment := range splitPathSegments(parsed.Path) {
		if LooksLikeToken(segment) {
			score += 8
			break
		}
	}

	// 视觉显著性：按钮类 class、inline-block 样式或嵌在表格里（邮件按钮惯用结构）
	if isProminent(a) {
		score += 5
	}

	// 位置加成：靠前的链接往往是主 CTA
	if a.position < 3 {
		score += 3 - a.position
	}

	return scoredLink{url: a.href, score: score, position: a.position}, true
}

// fallbackMatch 宽松判定：通过协议与排除检查，且路径段或查询值中有令牌形态。
func fallbackMatch(href string) bool {
	parsed, err := url.Parse(href)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	for _, pattern := range excludePatterns {
		if pattern.MatchString(href) {
			return false
		}
	}

	for _, segment := range splitPathSegments(parsed.Path) {
		if LooksLikeToken(segment) {
			return true
		}
	}
	for _, values := range parsed.Query() {
		for _, value := range values {
			if LooksLikeToken(value) {
				return true
			}
		}
	}
	return false
}

// splitPathSegments 返回路径的非空段。
func splitPathSegments(path string) []string {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// isProminent 判断锚元素是否视觉显著。
func isProminent(a anchor) bool {
	for _, cls := range strings.Fields(a.class) {
		if strings.EqualFold(cls, "button") || strings.EqualFold(cls, "btn") {
			return true
		}
	}
	if styleDisplay(a.style) == "inline-block" {
		return true
	}
	return a.inTable
}

// styleDisplay 从内联样式中取 display 属性值。
func styleDisplay(style string) string {
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "display") {
			return strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ""
}
