package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/driver"
)

// Locator prefixes. Anything else is a CSS selector.
const (
	PrefixText  = "text="
	PrefixXPath = "xpath="
	PrefixCSS   = "css="
)

// Kind is the query language a locator resolves with.
type Kind string

const (
	KindCSS   Kind = "css"
	KindXPath Kind = "xpath"
)

// Locator is a parsed element descriptor.
type Locator struct {
	Kind Kind
	Expr string
}

// ParseLocator translates a suite locator into a CSS or XPath query.
// text= matches the innermost elements whose normalized text contains the
// given string.
func ParseLocator(raw string) (Locator, error) {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return Locator{}, errors.Wrap(driver.ErrInvalidLocator, "empty locator")
	case strings.HasPrefix(value, PrefixText):
		text := strings.TrimSpace(strings.TrimPrefix(value, PrefixText))
		if text == "" {
			return Locator{}, errors.Wrapf(driver.ErrInvalidLocator, "%q", raw)
		}
		literal, err := xpathLiteral(text)
		if err != nil {
			return Locator{}, errors.Wrapf(driver.ErrInvalidLocator, "%q: %v", raw, err)
		}
		expr := fmt.Sprintf("//*[contains(normalize-space(.), %s)][not(.//*[contains(normalize-space(.), %s)])]", literal, literal)
		return Locator{Kind: KindXPath, Expr: expr}, nil
	case strings.HasPrefix(value, PrefixXPath):
		expr := strings.TrimSpace(strings.TrimPrefix(value, PrefixXPath))
		if expr == "" {
			return Locator{}, errors.Wrapf(driver.ErrInvalidLocator, "%q", raw)
		}
		return Locator{Kind: KindXPath, Expr: expr}, nil
	case strings.HasPrefix(value, PrefixCSS):
		expr := strings.TrimSpace(strings.TrimPrefix(value, PrefixCSS))
		if expr == "" {
			return Locator{}, errors.Wrapf(driver.ErrInvalidLocator, "%q", raw)
		}
		return Locator{Kind: KindCSS, Expr: expr}, nil
	default:
		return Locator{Kind: KindCSS, Expr: value}, nil
	}
}

func xpathLiteral(text string) (string, error) {
	switch {
	case !strings.Contains(text, `"`):
		return `"` + text + `"`, nil
	case !strings.Contains(text, `'`):
		return `'` + text + `'`, nil
	default:
		return "", errors.New("text contains both quote characters")
	}
}

// QueryOption returns the chromedp selector strategy for the locator.
func (l Locator) QueryOption() chromedp.QueryOption {
	if l.Kind == KindXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// ElementsJS returns a script expression evaluating to an array of the
// matched elements.
func (l Locator) ElementsJS() string {
	expr, _ := json.Marshal(l.Expr)
	if l.Kind == KindXPath {
		return fmt.Sprintf(`(function(){const r=document.evaluate(%s,document,null,XPathResult.ORDERED_NODE_SNAPSHOT_TYPE,null);const out=[];for(let i=0;i<r.snapshotLength;i++){out.push(r.snapshotItem(i));}return out;})()`, expr)
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s))`, expr)
}

const visibleJS = `(e)=>{const s=window.getComputedStyle(e);const r=e.getBoundingClientRect();return s.visibility!=='hidden'&&s.display!=='none'&&(r.width>0||r.height>0);}`

func visibleScript(l Locator) string {
	return fmt.Sprintf(`%s.some(%s)`, l.ElementsJS(), visibleJS)
}

func countScript(l Locator) string {
	return fmt.Sprintf(`%s.length`, l.ElementsJS())
}

func textScript(l Locator) string {
	return fmt.Sprintf(`(function(){const els=%s;if(!els.length){return {ok:false,value:""};}const e=els[0];return {ok:true,value:(e.innerText||e.textContent||"").trim()};})()`, l.ElementsJS())
}

func attributeScript(l Locator, name string) string {
	attr, _ := json.Marshal(name)
	return fmt.Sprintf(`(function(){const els=%s;if(!els.length||!els[0].hasAttribute(%s)){return {ok:false,value:""};}return {ok:true,value:els[0].getAttribute(%s)};})()`, l.ElementsJS(), attr, attr)
}

func selectScript(l Locator, value string) string {
	option, _ := json.Marshal(value)
	return fmt.Sprintf(`(function(){const els=%s;if(!els.length){return false;}const el=els[0];const want=%s;const opt=Array.from(el.options||[]).find(o=>o.value===want||o.text.trim()===want);if(!opt){return false;}el.value=opt.value;el.dispatchEvent(new Event('input',{bubbles:true}));el.dispatchEvent(new Event('change',{bubbles:true}));return true;})()`, l.ElementsJS(), option)
}

const scrollBottomJS = `window.scrollTo(0, Math.max(document.body.scrollHeight, document.documentElement.scrollHeight)); true`
