// Package profile holds identity profile records: their stage tag, proxy,
// and the free-form fields that seed a run's profile scope.
package profile

import (
	"fmt"
	"maps"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
)

// Profile is one identity record.
type Profile struct {
	Name          string
	Stage         string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string

	// Fields holds every other top-level field. ExtraFields is the nested
	// extra_fields object, flattened into the profile scope at run start.
	Fields      map[string]string
	ExtraFields map[string]string
}

var reserved = map[string]bool{
	"name": true, "stage": true, "extra_fields": true,
	"proxy_host": true, "proxy_port": true, "proxy_user": true, "proxy_password": true,
}

// FromMap builds a profile from a decoded document. Values are rendered as
// strings; a non-numeric proxy_port is dropped.
func FromMap(m map[string]any) Profile {
	p := Profile{
		Name:          strings.TrimSpace(text(m["name"])),
		Stage:         text(m["stage"]),
		ProxyHost:     strings.TrimSpace(text(m["proxy_host"])),
		ProxyUser:     strings.TrimSpace(text(m["proxy_user"])),
		ProxyPassword: strings.TrimSpace(text(m["proxy_password"])),
	}
	if port, err := strconv.Atoi(strings.TrimSpace(text(m["proxy_port"]))); err == nil {
		p.ProxyPort = port
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(text(m["email"]))
	}
	for k, v := range m {
		if reserved[k] {
			continue
		}
		if p.Fields == nil {
			p.Fields = make(map[string]string)
		}
		p.Fields[k] = text(v)
	}
	if extra, ok := m["extra_fields"].(map[string]any); ok {
		p.ExtraFields = make(map[string]string, len(extra))
		for k, v := range extra {
			p.ExtraFields[k] = text(v)
		}
	}
	return p
}

// Map is the inverse of FromMap.
func (p Profile) Map() map[string]any {
	m := make(map[string]any, len(p.Fields)+7)
	for k, v := range p.Fields {
		m[k] = v
	}
	m["name"] = p.Name
	m["stage"] = p.Stage
	m["proxy_host"] = p.ProxyHost
	m["proxy_user"] = p.ProxyUser
	m["proxy_password"] = p.ProxyPassword
	if p.ProxyPort > 0 {
		m["proxy_port"] = p.ProxyPort
	} else {
		m["proxy_port"] = nil
	}
	if len(p.ExtraFields) > 0 {
		extra := make(map[string]any, len(p.ExtraFields))
		for k, v := range p.ExtraFields {
			extra[k] = v
		}
		m["extra_fields"] = extra
	}
	return m
}

// Vars returns the initial profile scope: every field as a string, with
// extra_fields flattened to the top level.
func (p Profile) Vars() map[string]string {
	out := make(map[string]string, len(p.Fields)+len(p.ExtraFields)+6)
	maps.Copy(out, p.Fields)
	out["name"] = p.Name
	out["stage"] = p.Stage
	out["proxy_host"] = p.ProxyHost
	out["proxy_user"] = p.ProxyUser
	out["proxy_password"] = p.ProxyPassword
	out["proxy_port"] = ""
	if p.ProxyPort > 0 {
		out["proxy_port"] = strconv.Itoa(p.ProxyPort)
	}
	maps.Copy(out, p.ExtraFields)
	return out
}

// ProxyString renders the proxy as socks5://host:port or
// socks5://host:port:user:pass, or "" when no proxy is configured.
func (p Profile) ProxyString() string {
	if p.ProxyHost == "" || p.ProxyPort <= 0 {
		return ""
	}
	s := fmt.Sprintf("socks5://%s:%d", p.ProxyHost, p.ProxyPort)
	if p.ProxyUser != "" && p.ProxyPassword != "" {
		s += ":" + p.ProxyUser + ":" + p.ProxyPassword
	}
	return s
}

// Proxy returns the launch proxy, or nil.
func (p Profile) Proxy() *browser.Proxy {
	if p.ProxyHost == "" || p.ProxyPort <= 0 {
		return nil
	}
	px := &browser.Proxy{Server: fmt.Sprintf("socks5://%s:%d", p.ProxyHost, p.ProxyPort)}
	if p.ProxyUser != "" && p.ProxyPassword != "" {
		px.Username, px.Password = p.ProxyUser, p.ProxyPassword
	}
	return px
}

// ParseProxy reads a proxy string in the ProxyString format. The scheme is
// optional.
func ParseProxy(s string) (host string, port int, user, pass string, err error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return "", 0, "", "", fmt.Errorf("proxy %q: want host:port or host:port:user:pass", s)
	}
	port, err = strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, "", "", fmt.Errorf("proxy %q: invalid port", s)
	}
	host = parts[0]
	if len(parts) == 4 {
		user, pass = parts[2], parts[3]
	}
	return host, port, user, pass, nil
}

// apply merges updated fields into p. Known keys update typed fields.
func (p *Profile) apply(fields map[string]string) {
	for k, v := range fields {
		switch k {
		case "name":
			// renames go through Put
		case "stage":
			p.Stage = v
		case "proxy_host":
			p.ProxyHost = strings.TrimSpace(v)
		case "proxy_port":
			p.ProxyPort, _ = strconv.Atoi(strings.TrimSpace(v))
		case "proxy_user":
			p.ProxyUser = strings.TrimSpace(v)
		case "proxy_password":
			p.ProxyPassword = strings.TrimSpace(v)
		default:
			if p.Fields == nil {
				p.Fields = make(map[string]string)
			}
			p.Fields[k] = v
		}
	}
}

// LoadFile reads a YAML or JSON list of profile objects.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var docs []map[string]any
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	out := make([]Profile, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for i, doc := range docs {
		p := FromMap(doc)
		if p.Name == "" {
			p.Name = fmt.Sprintf("profile%d", i+1)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, p.Name)
		}
		seen[key] = true
		out = append(out, p)
	}
	return out, nil
}

func sortByName(ps []Profile) {
	sort.Slice(ps, func(i, j int) bool {
		return strings.ToLower(ps[i].Name) < strings.ToLower(ps[j].Name)
	})
}

func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
