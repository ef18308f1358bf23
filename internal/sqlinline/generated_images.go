package sqlinline

const QInsertGeneratedImage = `--sql 64930e6b-6b04-4fd4-aefc-0b82a99de375
insert into generated_images (
  id, job_id, item_index, storage_key, url, format, width, height, model_version, created_at
)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
