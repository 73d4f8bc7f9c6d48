/*
Package transfer is an HTTP server that receives files and hands back URLs for them.

# Concept

A client POSTs one or more files to /upload. Each file is stored under a fresh
random UUID and the response lists a download URL for it:

	$ curl -F f=@report.pdf http://localhost:8080/upload
	{"part":[{"name":"f","file_name":"report.pdf","url":"http://localhost:8080/6f1c.../report.pdf","error":null}],"error":null}

Three body encodings are accepted:

  - multipart/form-data: every part carrying a filename becomes a file. The
    body is parsed as a stream, so files are never held in memory whole.
  - application/x-www-form-urlencoded: each name=value pair becomes a file
    called name holding the decoded value.
  - anything else: the body is one file named by the X-TP-Filename header.

# Layout

File bytes live in a blob store (local disk or S3) and upload metadata in a
catalog (memory or Redis). Both are ports in pkg/ports with adapters under
internal/adapters; the HTTP surface is internal/adapters/http and the
command line is cmd/transfer.
*/
package transfer
