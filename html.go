/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func getFavicon() string {
	return `<link rel="icon" href="data:image/svg+xml,<svg xmlns=%22http://www.w3.org/2000/svg%22 viewBox=%220 0 16 16%22><text y=%2214%22>🗳️</text></svg>">`
}

// Simple HTML client for quick testing
const clientHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<link rel="icon" href="data:image/svg+xml,<svg xmlns=%22http://www.w3.org/2000/svg%22 viewBox=%220 0 16 16%22><text y=%2214%22>🗳️</text></svg>">
<title>Partyvote</title>
<style>
  body { font-family: system-ui, -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 2rem; }
  h1 { margin-bottom: 0.5rem; }
  #status { margin-bottom: 1rem; font-size: 0.9rem; }
  #roster li.away { color: #999; }
  #images img { max-height: 180px; margin-right: 0.5rem; border: 2px solid #ddd; }
  #phase { font-weight: bold; }
  button { margin: 0.25rem 0.5rem 0.25rem 0; }
  select { margin-right: 0.5rem; }
  .hidden { display: none; }
</style>
</head>
<body>
<h1>Partyvote</h1>
<div id="status">Connecting…</div>
<div>Lobby: <span id="code"></span> <a id="qr" target="_blank">QR</a></div>
<div><span id="phase"></span> <span id="round"></span> <span id="timer"></span></div>
<button id="start" class="hidden">Start game</button>
<div id="images"></div>
<div id="ballot" class="hidden">
  Shoot: <select id="shoot"></select>
  Shag: <select id="shag"></select>
  Marry: <select id="marry"></select>
  <button id="vote">Vote</button>
</div>
<div id="results"></div>
<h2>Players</h2>
<ul id="roster"></ul>
<h2>Scores</h2>
<ul id="scores"></ul>

<script>
(function() {
  const $ = (id) => document.getElementById(id);

  let username = '';
  let code = '';
  let voted = false;

  function setStatus(text) { $('status').textContent = text; }

  function renderRoster(lobby) {
    $('roster').innerHTML = '';
    (lobby.participants || []).forEach(function(p) {
      const li = document.createElement('li');
      li.textContent = p.username + (p.isHost ? ' (host)' : '') + (p.connected ? '' : ' — away');
      if (!p.connected) li.className = 'away';
      $('roster').appendChild(li);
    });
    $('start').classList.toggle('hidden', lobby.host !== username);
  }

  function renderScores(scores) {
    $('scores').innerHTML = '';
    Object.keys(scores || {}).sort().forEach(function(name) {
      const li = document.createElement('li');
      li.textContent = name + ': ' + scores[name];
      $('scores').appendChild(li);
    });
  }

  function renderImages(images) {
    $('images').innerHTML = '';
    ['shoot', 'shag', 'marry'].forEach(function(cat) { $(cat).innerHTML = ''; });
    (images || []).forEach(function(img, i) {
      const el = document.createElement('img');
      el.src = '/images/' + encodeURIComponent(img);
      el.title = img;
      $('images').appendChild(el);
      ['shoot', 'shag', 'marry'].forEach(function(cat) {
        const opt = document.createElement('option');
        opt.value = img;
        opt.textContent = (i + 1) + ': ' + img;
        $(cat).appendChild(opt);
      });
    });
  }

  function onPhase(phase, round) {
    $('phase').textContent = phase;
    $('round').textContent = round ? 'round ' + round : '';
    $('ballot').classList.toggle('hidden', phase !== 'voting' || voted);
    if (phase === 'discussion') { voted = false; $('results').textContent = ''; }
  }

  function handle(msg) {
    const data = msg.data || {};
    switch (msg.event) {
    case 'lobby-updated': renderRoster(data); break;
    case 'lobby-closed': setStatus('Lobby closed.'); break;
    case 'game-started':
      onPhase(data.gameState.phase, data.gameState.roundNumber);
      renderScores(data.gameState.scores);
      renderImages(data.gameState.currentImages);
      renderRoster(data.lobby);
      break;
    case 'images-selected': renderImages(data.images); break;
    case 'game-phase-update': onPhase(data.phase, data.roundNumber); break;
    case 'game-timer': $('timer').textContent = data.timeRemaining + 's'; break;
    case 'round-results':
      $('results').textContent = 'Majority: shoot ' + data.majorityChoices.shoot +
        ', shag ' + data.majorityChoices.shag + ', marry ' + data.majorityChoices.marry +
        ' — winners: ' + (data.winners.length ? data.winners.join(', ') : 'none');
      break;
    case 'scoreboard-update': renderScores(data.scores); break;
    case 'game-ended':
      renderScores(data.finalScores);
      setStatus('Game over!');
      break;
    case 'error': setStatus(data.message); break;
    }
  }

  async function boot() {
    username = prompt('Enter your username:') || '';
    if (!username) { setStatus('Username required.'); return; }

    const parts = location.pathname.replace(/\/$/, '').split('/');
    code = parts.length > 2 ? parts[parts.length - 1] : '';

    if (!code) {
      const res = await fetch('/api/vote/lobby', {
        method: 'POST',
        body: JSON.stringify({ username: username })
      });
      if (!res.ok) { setStatus('Unable to create lobby.'); return; }
      code = (await res.json()).code;
      history.replaceState(null, '', location.pathname.replace(/\/$/, '') + '/' + code);
    } else {
      const res = await fetch('/api/vote/lobby/' + code + '/join', {
        method: 'POST',
        body: JSON.stringify({ username: username })
      });
      if (!res.ok) { setStatus('Unable to join lobby.'); return; }
    }

    $('code').textContent = code;
    $('qr').href = location.pathname + '/qr';

    const proto = (location.protocol === 'https:') ? 'wss://' : 'ws://';
    const ws = new WebSocket(proto + location.host + location.pathname + '/ws?username=' + encodeURIComponent(username));

    ws.onopen = function() { setStatus('Connected.'); };
    ws.onclose = function() { setStatus('Disconnected.'); };
    ws.onerror = function() { setStatus('Error with WebSocket.'); };
    ws.onmessage = function(event) {
      try { handle(JSON.parse(event.data)); } catch (e) { console.error('bad message', e); }
    };

    $('start').onclick = function() { ws.send(JSON.stringify({ event: 'start-game' })); };
    $('vote').onclick = function() {
      ws.send(JSON.stringify({ event: 'cast-vote', vote: {
        shoot: $('shoot').value,
        shag: $('shag').value,
        marry: $('marry').value
      }}));
      voted = true;
      $('ballot').classList.add('hidden');
    };
  }

  boot();
})();
</script>
</body>
</html>
`

func serveClientPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(clientHTML))
	}
}
