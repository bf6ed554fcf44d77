package worker

import "strings"

// Group نام کانال‌ها را با پیشوند نقطه‌دار می‌سازد: Group("math").Task("add")
// روی صف crew.tasks.math.add می‌نشیند.
type Group struct {
	app    *App
	prefix string
}

func (a *App) Group(prefix string) *Group {
	return &Group{app: a, prefix: strings.Trim(prefix, ".")}
}

// Channel نام کامل کانال name در این گروه.
func (g *Group) Channel(name string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{g.prefix, strings.Trim(name, ".")} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func (g *Group) Group(suffix string) *Group {
	return &Group{app: g.app, prefix: g.Channel(suffix)}
}

func (g *Group) Task(name string, h HandlerFunc, opts ...TaskOption) {
	g.app.Task(g.Channel(name), h, opts...)
}
