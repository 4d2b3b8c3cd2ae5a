package cmd

// viewerHTML is the single-page status viewer. It renders /ws status pushes
// and tails /ws/logs.
const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Table Archiver</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; background: #0f1117; color: #e6e6e6; margin: 0; padding: 24px; }
        h1 { color: #7D56F4; margin: 0 0 16px 0; font-size: 22px; }
        .card { background: #171a23; border: 1px solid #262a36; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
        .status { display: inline-block; padding: 2px 10px; border-radius: 12px; font-size: 12px; font-weight: 600; }
        .running { background: #04B575; color: #0f1117; }
        .idle { background: #444; color: #ccc; }
        .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(160px, 1fr)); gap: 12px; margin-top: 12px; }
        .metric .label { color: #888; font-size: 12px; text-transform: uppercase; }
        .metric .value { font-size: 20px; font-variant-numeric: tabular-nums; }
        .bar { height: 8px; background: #262a36; border-radius: 4px; overflow: hidden; margin-top: 12px; }
        .bar > div { height: 100%; background: linear-gradient(90deg, #FF7CCB, #FDFF8C); width: 0; transition: width .3s; }
        .error { color: #ff6b6b; margin-top: 12px; }
        #logs { font-family: ui-monospace, Menlo, monospace; font-size: 12px; height: 320px; overflow-y: auto; white-space: pre-wrap; }
        .WARN { color: #FFAA00; } .ERROR { color: #ff6b6b; } .DEBUG { color: #888; }
    </style>
</head>
<body>
    <h1>📦 Table Archiver</h1>
    <div class="card">
        <span id="state" class="status idle">idle</span>
        <span id="version" style="color:#666;margin-left:8px"></span>
        <div id="task"></div>
    </div>
    <div class="card">
        <div style="color:#888;margin-bottom:8px">Recent runs</div>
        <div id="runs"></div>
    </div>
    <div class="card">
        <div style="color:#888;margin-bottom:8px">Log</div>
        <div id="logs"></div>
    </div>
    <script>
        function metric(label, value) {
            return '<div class="metric"><div class="label">' + label + '</div><div class="value">' + value + '</div></div>';
        }

        function renderStatus(s) {
            const state = document.getElementById('state');
            state.textContent = s.archiverRunning ? 'running (pid ' + s.pid + ')' : 'idle';
            state.className = 'status ' + (s.archiverRunning ? 'running' : 'idle');
            document.getElementById('version').textContent = 'v' + s.version;

            const t = s.currentTask;
            const task = document.getElementById('task');
            if (!t) { task.innerHTML = ''; return; }

            const matching = t.matching >= 0 ? t.matching : 'not counted';
            task.innerHTML =
                '<div class="grid">' +
                metric('Table', t.table + ' → ' + t.destination) +
                metric('Tables', t.table_index + ' / ' + t.table_count) +
                metric('Step', t.current_step || '') +
                metric('Matching', matching) +
                metric('Batches', t.batches) +
                metric('Scanned', t.scanned) +
                metric('Archived', t.archived) +
                metric('Deleted', t.deleted) +
                metric('Cursor', t.cursor || '-') +
                '</div>' +
                '<div class="bar"><div style="width:' + Math.round((t.progress || 0) * 100) + '%"></div></div>' +
                (t.last_error ? '<div class="error">' + t.last_error + '</div>' : '');
        }

        function renderRuns(runs) {
            let rows = '';
            Object.keys(runs).forEach((table) => {
                const r = runs[table][0];
                rows += '<tr><td>' + table + '</td><td>' + r.destination + '</td><td>' + r.finished_at + '</td>' +
                    '<td>' + r.archived + '</td><td>' + r.deleted + '</td><td>' + (r.last_cursor || '') + '</td>' +
                    '<td class="' + (r.error ? 'ERROR' : '') + '">' + (r.error || (r.dry_run ? 'dry run' : 'ok')) + '</td></tr>';
            });
            document.getElementById('runs').innerHTML = rows === '' ? '<span style="color:#666">none yet</span>' :
                '<table style="width:100%;font-size:13px"><tr style="color:#888;text-align:left"><th>Table</th><th>Destination</th>' +
                '<th>Finished</th><th>Archived</th><th>Deleted</th><th>Cursor</th><th>Result</th></tr>' + rows + '</table>';
        }

        function loadRuns() {
            fetch('/api/runs').then((r) => r.json()).then(renderRuns);
        }

        function connect(path, onMessage) {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + path);
            ws.onmessage = (e) => onMessage(JSON.parse(e.data));
            ws.onclose = () => setTimeout(() => connect(path, onMessage), 2000);
        }

        let wasRunning = false;
        connect('/ws', (msg) => {
            if (msg.type !== 'status') return;
            renderStatus(msg.data);
            const t = msg.data.currentTask;
            if (wasRunning !== msg.data.archiverRunning || (t && t.current_step === 'Finished')) loadRuns();
            wasRunning = msg.data.archiverRunning;
        });
        connect('/ws/logs', (log) => {
            const logs = document.getElementById('logs');
            const line = document.createElement('div');
            line.className = log.level;
            line.textContent = log.timestamp + ' ' + log.level + ' ' + log.message;
            logs.appendChild(line);
            while (logs.childNodes.length > 500) logs.removeChild(logs.firstChild);
            logs.scrollTop = logs.scrollHeight;
        });

        fetch('/api/status').then((r) => r.json()).then(renderStatus);
        loadRuns();
    </script>
</body>
</html>
`
