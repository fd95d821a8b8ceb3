package applypatch

// ToolInstructions is the patch-format reference injected into the
// implementer's system prompt. It documents exactly the grammar Parse
// accepts.
const ToolInstructions = `To edit files, produce a patch in the following format.

The patch starts with "*** Begin Patch" on its own line and ends with
"*** End Patch" on its own line. Between the sentinels, describe each file
change with one of:

*** Add File: <path> - create a new file. Every following line is a line of
the new file prefixed with "+".
*** Delete File: <path> - remove an existing file. Nothing follows.
*** Update File: <path> - edit an existing file in place. An optional
"*** Move to: <new path>" line directly after the header renames the file.

For updates, describe each change as a hunk. Precede a hunk with "@@" on its
own line, or "@@ <text of an enclosing declaration>" to disambiguate when
the changed lines appear more than once in the file. Within a hunk, prefix
unchanged context lines with a single space, removed lines with "-", and
inserted lines with "+". Include about three lines of context above and
below each change. If a change touches the last lines of a file, follow the
hunk with "*** End of File" on its own line.

All paths must be relative to the repository root. Never use absolute
paths, drive letters, or ".." segments.

Example:

*** Begin Patch
*** Update File: pkg/server/server.go
@@ func (s *Server) Close() error {
-	return nil
+	s.listener.Close()
+	return s.group.Wait()
 }
*** Add File: pkg/server/server_test.go
+package server
+
+// ...
*** End Patch`
