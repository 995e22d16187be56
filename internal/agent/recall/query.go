// Package recall turns a chat message into a block of recent screen
// activity for the system prompt.
package recall

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RangeKind selects how far back a query looks.
type RangeKind int

const (
	// RangeRecent covers the last N minutes.
	RangeRecent RangeKind = iota
	// RangeToday starts at local midnight.
	RangeToday
	// RangeDays covers today and the N-1 days before it.
	RangeDays
	// RangeClock covers From through the end of the To minute, today.
	RangeClock
)

// TimeRange is the span a question is about. From and To are offsets from
// local midnight and only apply to RangeClock.
type TimeRange struct {
	Kind RangeKind
	N    int
	From time.Duration
	To   time.Duration
}

// Since returns the start of the range relative to now.
func (r TimeRange) Since(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch r.Kind {
	case RangeToday:
		return midnight
	case RangeClock:
		return midnight.Add(r.From)
	case RangeDays:
		return midnight.AddDate(0, 0, -max(r.N-1, 0))
	default:
		return now.Add(-time.Duration(max(r.N, 1)) * time.Minute)
	}
}

// Until returns the end of the range. Only clock ranges end before now.
func (r TimeRange) Until(now time.Time) time.Time {
	if r.Kind != RangeClock {
		return now
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.Add(r.To + time.Minute - time.Millisecond)
}

func (r TimeRange) String() string {
	switch r.Kind {
	case RangeToday:
		return "today"
	case RangeClock:
		return clockString(r.From) + "-" + clockString(r.To)
	case RangeDays:
		return strconv.Itoa(r.N) + " days"
	default:
		return strconv.Itoa(r.N) + " minutes"
	}
}

// Query is what ParseQuery extracts from a message.
type Query struct {
	Range         TimeRange
	Keywords      []string
	IncludeDetail bool
}

const defaultRecentMinutes = 10

// ParseQuery reads the time range, search keywords and whether detail is
// wanted from a chat message. Questions without a time hint look at the
// last ten minutes.
func ParseQuery(message string) Query {
	lower := strings.ToLower(message)
	r := parseRange(lower)
	return Query{
		Range:         r,
		Keywords:      extractKeywords(message),
		IncludeDetail: r.Kind == RangeRecent || wantsDetail(lower),
	}
}

func parseRange(lower string) TimeRange {
	if r, ok := parseClockRange(lower); ok {
		return r
	}
	if n, ok := minutesAgo(lower); ok {
		return TimeRange{Kind: RangeRecent, N: n}
	}
	switch {
	case containsAny(lower, "刚才", "刚刚", "just now", "a moment ago", "just a moment ago"):
		return TimeRange{Kind: RangeRecent, N: 5}
	case strings.Contains(lower, "最近") && strings.Contains(lower, "分钟"),
		minutesPattern.MatchString(lower):
		n := extractNumber(lower)
		if n <= 0 {
			n = defaultRecentMinutes
		}
		return TimeRange{Kind: RangeRecent, N: n}
	case containsAny(lower, "今天", "上午", "下午", "today", "this morning", "this afternoon"):
		return TimeRange{Kind: RangeToday}
	case containsAny(lower, "昨天", "yesterday"):
		return TimeRange{Kind: RangeDays, N: 2}
	case containsAny(lower, "这周", "本周", "this week"):
		return TimeRange{Kind: RangeDays, N: 7}
	}
	return TimeRange{Kind: RangeRecent, N: defaultRecentMinutes}
}

var (
	minutesPattern    = regexp.MustCompile(`\b(last|past|previous)\b.*\bmin(ute)?s?\b`)
	minutesAgoEN      = regexp.MustCompile(`(\d+)\s*min(?:ute)?s?\s+ago`)
	minutesAgoZH      = regexp.MustCompile(`([0-9一二三四五六七八九十两]+)\s*分钟(?:之)?前`)
	digitsPattern     = regexp.MustCompile(`\d+`)
	clockRangePattern = regexp.MustCompile(`(?:从|from)\s*` + clockTime + `\s*(?:到|至|to|until|-)\s*` + clockTime)
)

const clockTime = `([01]?\d|2[0-3])[:：]([0-5]\d)`

// parseClockRange recognizes "从10:00到11:00" and "from 10:00 to 11:00".
// A reversed pair is swapped.
func parseClockRange(lower string) (TimeRange, bool) {
	m := clockRangePattern.FindStringSubmatch(lower)
	if m == nil {
		return TimeRange{}, false
	}
	from := clockOffset(m[1], m[2])
	to := clockOffset(m[3], m[4])
	if to < from {
		from, to = to, from
	}
	return TimeRange{Kind: RangeClock, From: from, To: to}, true
}

func clockOffset(hour, minute string) time.Duration {
	h, _ := strconv.Atoi(hour)
	m, _ := strconv.Atoi(minute)
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

func clockString(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}

// minutesAgo reads "5 minutes ago" and "5分钟前".
func minutesAgo(lower string) (int, bool) {
	if m := minutesAgoEN.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, true
		}
	}
	if m := minutesAgoZH.FindStringSubmatch(lower); m != nil {
		if n := extractNumber(m[1]); n > 0 {
			return n, true
		}
	}
	return 0, false
}

// Longer numerals first so 十五 is not read as 五.
var chineseNumerals = []struct {
	text  string
	value int
}{
	{"三十", 30}, {"二十", 20}, {"十五", 15}, {"十", 10},
	{"九", 9}, {"八", 8}, {"七", 7}, {"六", 6}, {"五", 5},
	{"四", 4}, {"三", 3}, {"二", 2}, {"两", 2}, {"一", 1},
}

// extractNumber returns the first number in text, preferring digits over
// Chinese numerals. It returns 0 when there is none.
func extractNumber(text string) int {
	if m := digitsPattern.FindString(text); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	for _, cn := range chineseNumerals {
		if strings.Contains(text, cn.text) {
			return cn.value
		}
	}
	return 0
}

// Single quotes only open after whitespace so apostrophes are not quotes.
var quotedPattern = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|「([^」]+)」|(?:^|[\s(])'([^']+)'`)

var techKeywords = []string{
	"error", "错误", "报错", "bug", "异常",
	"代码", "文件", "函数", "编辑", "修改",
	".rs", ".ts", ".js", ".py", ".vue", ".tsx", ".go",
	"Chrome", "VS Code", "Terminal",
}

// extractKeywords collects quoted spans and known technical terms.
func extractKeywords(message string) []string {
	var keywords []string
	seen := make(map[string]bool)
	add := func(kw string) {
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			return
		}
		seen[key] = true
		keywords = append(keywords, kw)
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(message, -1) {
		for _, group := range m[1:] {
			add(strings.TrimSpace(group))
		}
	}

	lower := strings.ToLower(message)
	for _, kw := range techKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			add(kw)
		}
	}
	return keywords
}

var detailTriggers = []string{
	"详细", "细节", "具体", "截图", "画面", "界面", "内容", "显示", "文本", "按钮", "输入", "输出",
	"哪一页", "哪个页面", "哪一个文件", "哪行", "哪一行", "日志", "报错内容",
	"报错", "错误", "失败", "异常", "无法", "连不上", "连接不上", "原因", "为什么", "提示", "配置",
	"detail", "details", "screenshot", "screen", "page", "error log",
	"error", "failed", "why", "which file", "which line", "log",
}

func wantsDetail(lower string) bool {
	return containsAny(lower, detailTriggers...)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
