package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>steptrail</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .pill { padding: 2px 8px; border-radius: 999px; font-size: 0.8rem; color: #fff; background: var(--muted); }
    .synced { background: var(--accent); }
    .pending { background: var(--warn); }
    .failed, .blocked { background: var(--danger); }
    input, button { font: inherit; padding: 6px 10px; border-radius: 8px; border: 1px solid var(--line); }
    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }
    #status { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>steptrail</h1>
      <p>
        <input id="token" type="password" placeholder="api token (optional)" />
        <button id="refresh">refresh</button>
        <button id="sync">sync all</button>
        <span id="status"></span>
      </p>
      <div id="capture"></div>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>session</th><th>start url</th><th>steps</th><th>updated</th><th>sync</th><th>rev</th></tr></thead>
        <tbody id="sessions"></tbody>
      </table>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>at</th><th>type</th><th>session</th><th>detail</th></tr></thead>
        <tbody id="events"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        status: document.getElementById("status"),
        capture: document.getElementById("capture"),
        sessions: document.getElementById("sessions"),
        events: document.getElementById("events"),
      };

      function esc(value) {
        return String(value == null ? "" : value).replace(/[&<>"]/g, (c) => ({"&": "&amp;", "<": "&lt;", ">": "&gt;", "\"": "&quot;"}[c]));
      }

      async function api(path, init) {
        const headers = {"Content-Type": "application/json"};
        if (dom.token.value) headers["Authorization"] = "Bearer " + dom.token.value;
        const response = await fetch(path, Object.assign({headers}, init || {}));
        const body = await response.json();
        if (!response.ok) throw new Error(body.message || response.statusText);
        return body;
      }

      async function refresh() {
        window.localStorage.setItem("steptrail_dashboard_token", dom.token.value);
        try {
          const [status, sessions, events] = await Promise.all([
            api("/v1/status"), api("/v1/sessions"), api("/v1/events?limit=25"),
          ]);
          dom.capture.textContent = status.isCapturing
            ? "capturing since " + status.startedAt + " (" + status.stepsCount + " steps)"
            : "idle";
          dom.sessions.innerHTML = sessions.items.map((s) =>
            "<tr><td>" + esc(s.id.slice(0, 8)) + "</td><td>" + esc(s.startUrl) + "</td><td>" + s.stepsCount +
            "</td><td>" + esc(s.updatedAt) + "</td><td><span class=\"pill " + esc(s.sync.status) + "\">" +
            esc(s.sync.status) + "</span> " + esc(s.sync.errorCode) + "</td><td>" + s.sync.revision + "</td></tr>").join("");
          dom.events.innerHTML = events.items.slice().reverse().map((e) =>
            "<tr><td>" + esc(e.at) + "</td><td>" + esc(e.type) + "</td><td>" + esc((e.sessionId || "").slice(0, 8)) +
            "</td><td>" + esc(e.detail) + "</td></tr>").join("");
          dom.status.textContent = "updated " + new Date().toLocaleTimeString();
        } catch (err) {
          dom.status.textContent = err.message;
        }
      }

      document.getElementById("refresh").addEventListener("click", refresh);
      document.getElementById("sync").addEventListener("click", async () => {
        try {
          await api("/v1/sync", {method: "POST", body: "{}"});
        } catch (err) {
          dom.status.textContent = err.message;
        }
        refresh();
      });

      dom.token.value = window.localStorage.getItem("steptrail_dashboard_token") || "";
      refresh();
      window.setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
