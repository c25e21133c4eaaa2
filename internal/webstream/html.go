package webstream

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>camstream</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; margin: 24px; background: #111; color: #eee; }
        img { max-width: 100%%; background: #000; }
        a { color: #8cf; margin-right: 12px; }
    </style>
</head>
<body>
    <h1>camstream</h1>
    <img id="stream" src="/stream" width="%d" height="%d" alt="Live stream">
    <p>
        <a href="/still" target="_blank">Capture still</a>
        <a href="/status">Status</a>
    </p>
</body>
</html>
`
