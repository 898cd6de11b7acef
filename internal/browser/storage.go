package browser

import (
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/playwright-community/playwright-go"

	"github.com/neboloop/pagewright/internal/driver"
)

func sameSite(s string) string {
	switch strings.ToLower(s) {
	case "strict":
		return "Strict"
	case "none":
		return "None"
	}
	return "Lax"
}

func fromPlaywrightState(st *playwright.StorageState) *driver.StorageState {
	out := &driver.StorageState{Cookies: []driver.Cookie{}, Origins: []driver.OriginState{}}
	if st == nil {
		return out
	}
	for _, c := range st.Cookies {
		ss := ""
		if c.SameSite != nil {
			ss = string(*c.SameSite)
		}
		out.Cookies = append(out.Cookies, driver.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSite(ss),
		})
	}
	for _, o := range st.Origins {
		origin := driver.OriginState{Origin: o.Origin, LocalStorage: []driver.NameValue{}}
		for _, kv := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, driver.NameValue{Name: kv.Name, Value: kv.Value})
		}
		out.Origins = append(out.Origins, origin)
	}
	return out
}

func toPlaywrightState(st *driver.StorageState) *playwright.OptionalStorageState {
	out := &playwright.OptionalStorageState{}
	for _, c := range st.Cookies {
		var ss *playwright.SameSiteAttribute
		switch sameSite(c.SameSite) {
		case "Strict":
			ss = playwright.SameSiteAttributeStrict
		case "None":
			ss = playwright.SameSiteAttributeNone
		default:
			ss = playwright.SameSiteAttributeLax
		}
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(cookiePath(c.Path)),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
			SameSite: ss,
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		out.Cookies = append(out.Cookies, oc)
	}
	for _, o := range st.Origins {
		po := playwright.Origin{Origin: o.Origin}
		for _, kv := range o.LocalStorage {
			po.LocalStorage = append(po.LocalStorage, playwright.NameValue{Name: kv.Name, Value: kv.Value})
		}
		out.Origins = append(out.Origins, po)
	}
	return out
}

func cookiePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func fromCDPCookies(cookies []*network.Cookie) []driver.Cookie {
	out := make([]driver.Cookie, 0, len(cookies))
	for _, c := range cookies {
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		out = append(out, driver.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSite(c.SameSite.String()),
		})
	}
	return out
}

func toCDPCookies(cookies []driver.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     cookiePath(c.Path),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		switch sameSite(c.SameSite) {
		case "Strict":
			p.SameSite = network.CookieSameSiteStrict
		case "None":
			p.SameSite = network.CookieSameSiteNone
		default:
			p.SameSite = network.CookieSameSiteLax
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			t := cdp.TimeSinceEpoch(time.Unix(sec, int64((c.Expires-float64(sec))*1e9)))
			p.Expires = &t
		}
		out = append(out, p)
	}
	return out
}
