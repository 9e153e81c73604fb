package mcpserver

// RecordFormatContract describes the canonical record file format that
// external consumers should follow when touching vault files directly.
const RecordFormatContract = `# Raido Record Format Contract

Every record stored in a Raido vault is a single Markdown file with YAML
frontmatter.

## Structure

` + "```" + `markdown
---
id: 5c9f7b1e-...                    # REQUIRED - stable UUID, never changes
kind: task                          # REQUIRED - task | board
status: open                        # REQUIRED - open | doing | done | dropped
category: active                    # active | archived; decides the file's directory
title: Human-readable title         # REQUIRED
priority: medium                    # OPTIONAL - low | medium | high
due: 2026-09-15                     # OPTIONAL - RFC 3339 or YYYY-MM-DD
tags:                               # OPTIONAL - YAML list, lowercase kebab-case
  - errands
board: board-inbox                  # OPTIONAL - board record id (tasks only)
created: 2026-08-30T10:00:00Z       # REQUIRED - RFC 3339, set once
modified: 2026-08-30T10:00:00Z      # REQUIRED - RFC 3339, advanced on every edit
---

Free-form Markdown body.
` + "```" + `

## Rules

1. **Frontmatter is mandatory.** Files without a complete ` + "`---`" + ` block are
   ignored by the store.
2. **Never reuse or edit ` + "`id`" + `.** It is the record's identity.
3. **Paths are derived, not chosen.** A record lives at
   ` + "`records/<category>/<YYYY>/<MM>/<id>-<slug>.md`" + `; changing ` + "`category`" + `
   through the API moves the file.
4. **Update ` + "`modified`" + ` when editing externally.** The store compares it
   against file mtimes to tell fresh edits from stale notifications.
5. **Encoding** is UTF-8 with a trailing newline.
`
