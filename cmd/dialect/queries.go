package dialect

// Catalog queries. Every column query returns the same five text columns
// (name, type, extra, key, collation) so the inspector can scan both engines alike.

const mysqlColumnsQuery = `
SELECT COLUMN_NAME, COLUMN_TYPE, EXTRA, COLUMN_KEY, COLLATION_NAME
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE()
  AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

const mysqlIndexesQuery = `
SELECT DISTINCT INDEX_NAME
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = DATABASE()
  AND TABLE_NAME = ?
ORDER BY INDEX_NAME`

const postgresColumnsQuery = `
SELECT a.attname::text,
       format_type(a.atttypid, a.atttypmod),
       CASE WHEN a.attgenerated <> '' THEN 'STORED GENERATED' ELSE '' END,
       CASE WHEN EXISTS (
           SELECT 1 FROM pg_index i
           WHERE i.indrelid = a.attrelid
             AND i.indisprimary
             AND a.attnum = ANY(i.indkey)
       ) THEN 'PRI' ELSE '' END,
       (SELECT co.collname::text FROM pg_collation co
        WHERE co.oid = a.attcollation AND co.collname <> 'default')
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = current_schema()
  AND c.relname = $1
  AND c.relkind IN ('r', 'p')
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

const postgresIndexesQuery = `
SELECT indexname::text
FROM pg_indexes
WHERE schemaname = current_schema()
  AND tablename = $1
ORDER BY indexname`
