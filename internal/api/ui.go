package api

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sget/internal/task"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"bytes":   humanBytes,
	"percent": func(s task.Snapshot) string { return fmt.Sprintf("%.1f%%", s.Percent()) },
}).Parse(`{{define "home"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>sget</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:980px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    h1{font-size:22px;margin:0 0 8px}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap;align-items:center}
    .btn{background:#0b63e5;color:#fff;border:none;padding:6px 10px;border-radius:6px;cursor:pointer}
    .btn.secondary{background:#444}
    input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;flex:1}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .status{display:inline-block;padding:2px 8px;border-radius:6px;background:#efefef;font-size:12px}
    table{width:100%;border-collapse:collapse}
    td,th{text-align:left;padding:6px;border-bottom:1px solid #eee;font-size:14px}
  </style>
</head>
<body>
  <h1>sget</h1>
  <div class="muted">{{.Totals.Active}} active · {{.Totals.Completed}} of {{.Totals.Total}} completed</div>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <form method="post" action="/ui/downloads" class="row">
      <input type="text" name="url" placeholder="https://host/file.iso" required />
      <label><input type="checkbox" name="start" value="true" checked/> start</label>
      <button class="btn" type="submit">Add</button>
    </form>
  </div>
  <div class="card">
    {{if .Downloads}}
    <table>
      <tr><th>File</th><th>Status</th><th>Progress</th><th>Speed</th><th></th></tr>
      {{range .Downloads}}
      <tr>
        <td class="mono" title="{{.URL}}">{{.FileName}}</td>
        <td><span class="status">{{.Status}}</span>{{if .StatusMessage}} <span class="muted">{{.StatusMessage}}</span>{{end}}</td>
        <td>{{percent .}} <span class="muted">{{bytes .DownloadedSize}} / {{bytes .FileSize}}</span></td>
        <td>{{bytes .SmoothedSpeed}}/s</td>
        <td class="row">
          <form method="post" action="/ui/downloads/{{.ID}}/start"><button class="btn" type="submit">Start</button></form>
          <form method="post" action="/ui/downloads/{{.ID}}/pause"><button class="btn secondary" type="submit">Pause</button></form>
          <form method="post" action="/ui/downloads/{{.ID}}/delete"><button class="btn secondary" type="submit">Delete</button></form>
        </td>
      </tr>
      {{end}}
    </table>
    {{else}}
    <div class="muted">No downloads yet</div>
    {{end}}
  </div>
</body>
</html>
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/downloads", a.UIAddDownload)
	router.POST("/ui/downloads/:id/:action", a.UIAction)
}

// UIHome renders the download list
func (a *API) UIHome(c *gin.Context) { a.renderHome(c, http.StatusOK, "") }

func (a *API) renderHome(c *gin.Context, status int, errMsg string) {
	c.HTML(status, "home", gin.H{
		"Downloads": a.taskManager.List(),
		"Totals":    a.taskManager.Totals(),
		"Error":     errMsg,
	})
}

// UIAddDownload adds the URL from the form and redirects back home
func (a *API) UIAddDownload(c *gin.Context) {
	url := strings.TrimSpace(c.PostForm("url"))
	_, err := a.taskManager.AddTask(task.AddRequest{URL: url, StartImmediately: c.PostForm("start") == "true"})
	if err != nil {
		a.renderHome(c, statusFor(err), err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// UIAction applies start, pause or delete from a row button
func (a *API) UIAction(c *gin.Context) {
	id := c.Param("id")
	var err error
	switch c.Param("action") {
	case "start":
		err = a.taskManager.Start(id)
	case "pause":
		err = a.taskManager.Pause(id)
	case "delete":
		err = a.taskManager.Delete(c.Request.Context(), id, false)
	default:
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		a.renderHome(c, statusFor(err), err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
