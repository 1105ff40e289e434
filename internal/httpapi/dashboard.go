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
  <title>Outreach Desk</title>
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
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1240px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
    }

    .bar { display: flex; gap: 10px; align-items: center; flex-wrap: wrap; }
    h1 { margin: 0 auto 0 0; font-size: 1.5rem; }
    input { padding: 8px 10px; border: 1px solid var(--line); border-radius: 10px; min-width: 280px; }
    button { padding: 8px 14px; border: 0; border-radius: 10px; background: var(--accent); color: white; cursor: pointer; }
    button.danger { background: var(--danger); }

    .totals { display: grid; grid-template-columns: repeat(auto-fit, minmax(140px, 1fr)); gap: 10px; }
    .metric { border: 1px solid var(--line); border-radius: 12px; padding: 10px; }
    .metric b { display: block; font-size: 1.4rem; }
    .metric span { color: var(--muted); font-size: 0.85rem; }

    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 500; }

    .badge { padding: 2px 8px; border-radius: 999px; font-size: 0.8rem; background: #eef4f3; }
    .badge.sending, .badge.ready { background: #d9f2ec; color: var(--accent); }
    .badge.waiting { background: #fdebd9; color: var(--warn); }
    .badge.paused, .badge.cap_reached, .badge.failed { background: #f8dedb; color: var(--danger); }
    #status { color: var(--muted); font-size: 0.9rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Outreach Desk</h1>
      <input id="token" type="password" placeholder="Bearer token (drafts:read + pipelines:admin)" autocomplete="off" />
      <button id="reload">Reload</button>
      <button id="clear-legacy" class="danger">Clear legacy queue</button>
      <button id="clear-marketing" class="danger">Clear marketing queue</button>
      <span id="status"></span>
    </div>
    <div class="card totals" id="totals"></div>
    <div class="card">
      <table>
        <thead>
          <tr><th>Sender</th><th>Status</th><th>Cap</th><th>Sent today</th><th>Queued</th><th>Sync</th></tr>
        </thead>
        <tbody id="senders"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        status: document.getElementById("status"),
        totals: document.getElementById("totals"),
        senders: document.getElementById("senders"),
      };

      function setStatus(text) {
        dom.status.textContent = text;
      }

      async function api(method, path) {
        const token = dom.token.value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(path, {
          method: method,
          headers: { "Authorization": "Bearer " + token },
        });
        const body = await response.json();
        if (!response.ok) {
          throw new Error(body.message || response.statusText);
        }
        return body;
      }

      function metric(label, value) {
        return "<div class=\"metric\"><b>" + value + "</b><span>" + label + "</span></div>";
      }

      function escapeText(value) {
        const div = document.createElement("div");
        div.textContent = value == null ? "" : String(value);
        return div.innerHTML;
      }

      function render(overview) {
        const t = overview.totals;
        dom.totals.innerHTML = metric("Active", t.active) + metric("Ready", t.ready) +
          metric("Sent today", t.sentToday) + metric("Queued", t.queued) +
          metric("Sent total", t.sentTotal) + metric("Opens", t.opensTotal) + metric("Unsubs", t.unsubsTotal);
        dom.senders.innerHTML = overview.senders.map(function (row) {
          const queued = (row.stats.firsts_ready || 0) + (row.stats.followups_ready || 0);
          return "<tr><td>" + escapeText(row.account.email) + "</td>" +
            "<td><span class=\"badge " + row.status.phase + "\">" + escapeText(row.label) + "</span></td>" +
            "<td>" + row.account.daily_cap + "</td>" +
            "<td>" + (row.stats.sent_today || 0) + "</td>" +
            "<td>" + queued + "</td>" +
            "<td><span class=\"badge " + row.sync.state + "\">" + row.sync.state + "</span></td></tr>";
        }).join("");
      }

      async function refresh() {
        try {
          render(await api("GET", "/v1/senders/overview"));
          window.localStorage.setItem("outreachdesk_dashboard_token", dom.token.value.trim());
          setStatus("updated " + new Date().toLocaleTimeString());
        } catch (err) {
          setStatus(err.message);
        }
      }

      async function clearQueue(pipeline) {
        if (!window.confirm("Clear every queued " + pipeline + " task?")) {
          return;
        }
        try {
          const result = await api("POST", "/v1/pipelines/" + pipeline + "/clear");
          setStatus("cleared " + result.cleared + " " + pipeline + " tasks");
          await refresh();
        } catch (err) {
          setStatus(err.message);
        }
      }

      document.getElementById("reload").addEventListener("click", refresh);
      document.getElementById("clear-legacy").addEventListener("click", function () { clearQueue("legacy"); });
      document.getElementById("clear-marketing").addEventListener("click", function () { clearQueue("marketing"); });
      dom.token.value = window.localStorage.getItem("outreachdesk_dashboard_token") || "";
      setInterval(refresh, 10000);
      if (dom.token.value) {
        refresh();
      } else {
        setStatus("enter token to start");
      }
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
