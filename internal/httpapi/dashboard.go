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
  <title>relaysync</title>
  <style>
    :root {
      --ink: #102223;
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
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 1180px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
    }
    h1 { margin: 0; font-size: 1.5rem; }
    h2 { margin: 0 0 10px; font-size: 0.9rem; letter-spacing: 0.06em; text-transform: uppercase; }
    .controls { display: grid; gap: 10px; grid-template-columns: 2fr 1fr auto auto; margin-top: 12px; }
    input, select {
      border-radius: 10px; border: 1px solid var(--line); padding: 9px 11px; font-size: 0.9rem;
    }
    button {
      border: 0; border-radius: 10px; padding: 9px 12px; font-weight: 700; cursor: pointer;
      background: var(--accent); color: #fff;
    }
    button.secondary { background: #efe6d7; color: var(--ink); border: 1px solid var(--line); }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(6, minmax(110px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-size: 1.05rem; font-weight: 700; }
    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1.4fr; }
    .feed { list-style: none; margin: 0; padding: 0; display: grid; gap: 8px; max-height: 420px; overflow: auto; }
    .feed li {
      border: 1px solid #e3d9c4; border-left: 5px solid var(--accent); border-radius: 10px;
      padding: 8px 10px; background: #fffcf7; font-size: 0.84rem;
    }
    .feed li.sync_error, .feed li.sweep_failed, .feed li.err { border-left-color: var(--danger); }
    .feed li.conflict_resolved, .feed li.retry_scheduled { border-left-color: var(--warn); }
    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", monospace; font-size: 0.8rem; }
    .status-line { margin-top: 8px; color: var(--muted); font-size: 0.85rem; display: flex; gap: 16px; }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>relaysync</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (sync:read, sync:trigger)" autocomplete="off" />
        <select id="trigger">
          <option value="incremental">incremental</option>
          <option value="full">full</option>
          <option value="incremental-from-relational">incremental-from-relational</option>
          <option value="incremental-from-workspace">incremental-from-workspace</option>
          <option value="incremental-to-graph">incremental-to-graph</option>
        </select>
        <button id="run" type="button">Run Sweep</button>
        <button id="live" class="secondary" type="button">Go Live</button>
      </div>
      <div class="status-line">
        <span>Last sync: <span id="lastSync" class="mono">never</span></span>
        <span id="message">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Sweep</div><div id="running" class="value">-</div></article>
      <article class="card"><div class="label">Processed</div><div id="processed" class="value">-</div></article>
      <article class="card"><div class="label">Succeeded</div><div id="succeeded" class="value">-</div></article>
      <article class="card"><div class="label">Failed</div><div id="failed" class="value">-</div></article>
      <article class="card"><div class="label">Conflicts</div><div id="conflicts" class="value">-</div></article>
      <article class="card"><div class="label">Retry Queue</div><div id="depth" class="value">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Recent Errors</h2>
        <ul id="errors" class="feed"></ul>
      </article>
      <article class="panel">
        <h2>Events</h2>
        <ul id="events" class="feed"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const dom = (id) => document.getElementById(id);
      const tokenInput = dom("token");
      let socket = null;

      function headers() {
        const token = tokenInput.value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      }

      function say(text) { dom("message").textContent = text; }

      function eventItem(evt) {
        const li = document.createElement("li");
        li.className = evt.type;
        const subject = [evt.entityType, evt.canonicalId, evt.store].filter(Boolean).join(" / ");
        li.innerHTML = "<div class=\"mono\"></div><div></div>";
        li.children[0].textContent = evt.timestamp + "  " + evt.type;
        li.children[1].textContent = subject + (evt.message ? "  " + evt.message : "");
        return li;
      }

      async function refresh() {
        try {
          const [statusResp, eventsResp] = await Promise.all([
            fetch("/sync/status", { headers: headers() }),
            fetch("/sync/events?limit=50", { headers: headers() }),
          ]);
          if (!statusResp.ok) { say("status: HTTP " + statusResp.status); return; }
          const status = await statusResp.json();
          const stats = status.statistics || {};
          dom("lastSync").textContent = status.lastSync || "never";
          dom("running").textContent = status.isRunning ? "running" : "idle";
          dom("processed").textContent = stats.eventsProcessed ?? 0;
          dom("succeeded").textContent = stats.succeeded ?? 0;
          dom("failed").textContent = stats.failed ?? 0;
          dom("conflicts").textContent = stats.conflictsDiscarded ?? 0;
          dom("depth").textContent = stats.retryQueueDepth ?? 0;

          const errors = dom("errors");
          errors.replaceChildren();
          (status.errors || []).slice().reverse().forEach((err) => {
            const li = document.createElement("li");
            li.className = "err";
            li.textContent = err.at + "  " + [err.entityType, err.store, err.errorClass].filter(Boolean).join(" / ") + "  " + err.message;
            errors.appendChild(li);
          });

          if (eventsResp.ok && !socket) {
            const body = await eventsResp.json();
            const list = dom("events");
            list.replaceChildren(...(body.events || []).map(eventItem));
          }
          say("updated " + new Date().toLocaleTimeString());
        } catch (err) {
          say("refresh failed: " + err);
        }
      }

      dom("run").addEventListener("click", async () => {
        const resp = await fetch("/sync/trigger", {
          method: "POST",
          headers: Object.assign({ "Content-Type": "application/json" }, headers()),
          body: JSON.stringify({ type: dom("trigger").value }),
        });
        say(resp.status === 202 ? "sweep started" : resp.status === 409 ? "sweep already running" : "trigger: HTTP " + resp.status);
        refresh();
      });

      dom("live").addEventListener("click", () => {
        if (socket) { socket.close(); return; }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        const token = tokenInput.value.trim();
        const query = token ? "?access_token=" + encodeURIComponent(token) : "";
        socket = new WebSocket(proto + "//" + window.location.host + "/sync/events/stream" + query);
        socket.onopen = () => { dom("live").textContent = "Stop Live"; say("live"); };
        socket.onmessage = (msg) => {
          const list = dom("events");
          list.prepend(eventItem(JSON.parse(msg.data)));
          while (list.children.length > 200) { list.removeChild(list.lastChild); }
        };
        socket.onclose = () => { socket = null; dom("live").textContent = "Go Live"; say("stream closed"); };
      });

      tokenInput.value = window.localStorage.getItem("relaysync_dashboard_token") || "";
      tokenInput.addEventListener("change", () => {
        window.localStorage.setItem("relaysync_dashboard_token", tokenInput.value.trim());
        refresh();
      });
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
