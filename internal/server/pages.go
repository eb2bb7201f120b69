package server

import "html/template"

const pageStyle = `<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  a.button {
    display: block;
    text-align: center;
    text-decoration: none;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
  }
  a.button:hover { background: #333; }
</style>`

// homePage reports whether the user is signed in.
var homePage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>LifeBuffer</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>LifeBuffer</h1>
  {{if .SignedIn}}
  <p class="sub">Signed in{{if .User}} as <strong>{{.User.Name}}</strong> ({{.User.Email}}){{end}}. You can close this window.</p>
  <a class="button" href="/logout">Sign out</a>
  {{else}}
  {{if .Message}}<div class="error">{{.Message}}</div>{{end}}
  <p class="sub">You are not signed in.</p>
  <a class="button" href="/login">Sign in</a>
  {{end}}
</div>
</body>
</html>`))

type homeData struct {
	SignedIn bool
	User     *homeUser
	Message  string
}

type homeUser struct {
	Name  string
	Email string
}

// exchangeFailedPage is shown after a failed code exchange and returns
// home on its own after the configured delay.
var exchangeFailedPage = template.Must(template.New("exchange-failed").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" {{.Refresh}}>
<title>LifeBuffer</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>Sign-in failed</h1>
  <div class="error">We could not complete sign-in with LifeBuffer.</div>
  <p class="sub">Returning in {{.Seconds}} seconds.</p>
  <a class="button" href="{{.Home}}">Return now</a>
</div>
</body>
</html>`))

type exchangeFailedData struct {
	Refresh template.HTMLAttr
	Seconds int
	Home    string
}
