package sqlinline

const QInsertBatchJob = `--sql 1102f376-270e-41f3-a0d4-790190dbf48e
insert into variation_jobs (
  id, job_type, status, total_items, completed_items, successful_items, failed_items, config, created_at, updated_at
)
values ($1, $2, 'pending', $3, 0, 0, 0, $4::jsonb, $5, $5);
`

const QInsertBatchItem = `--sql 86269f0a-a7a1-4453-b8d2-0f3f1f0f58d7
insert into variation_job_items (
  job_id, item_index, status, target_kind, breed_id, coat_id, outfit_id, format_id, retry_count
)
values ($1, $2, 'pending', $3, $4, $5, $6, $7, 0);
`

const QSelectBatchJob = `--sql 53d9b6bd-905c-4558-8bb8-6c56ab72f152
select id, job_type, status, total_items, completed_items, successful_items, failed_items,
       config, coalesce(error_message, ''), created_at, updated_at, started_at, completed_at
from variation_jobs
where id = $1;
`

const QListRecentBatchJobs = `--sql 97d8efd4-0161-49e7-aa0f-bdfe27b63644
select id, job_type, status, total_items, completed_items, successful_items, failed_items,
       config, coalesce(error_message, ''), created_at, updated_at, started_at, completed_at
from variation_jobs
order by created_at desc
limit $1;
`

const QSelectBatchItems = `--sql 503896de-821f-45be-98ba-c9b2bd064c67
select job_id, item_index, status, target_kind,
       coalesce(breed_id, ''), coalesce(coat_id, ''), coalesce(outfit_id, ''), coalesce(format_id, ''),
       generated_image_id, coalesce(error_message, ''), retry_count,
       coalesce(gemini_duration_ms, 0), coalesce(total_duration_ms, 0), started_at, completed_at
from variation_job_items
where job_id = $1
order by item_index asc;
`

const QMarkJobRunning = `--sql d8a37f59-4f4a-433c-8916-8abd4e0c3be4
update variation_jobs
set status = 'running',
    started_at = coalesce(started_at, $2),
    updated_at = $2
where id = $1
  and status in ('pending', 'running');
`

const QMarkItemRunning = `--sql c49973c8-3e8f-4aa9-9750-cfcd9b17248f
update variation_job_items
set status = 'running',
    started_at = coalesce(started_at, $3)
where job_id = $1
  and item_index = $2
  and status in ('pending', 'running');
`

const QFinalizeItem = `--sql d051e64a-5881-4685-bb0c-38a3f0a22268
update variation_job_items
set status = $3,
    generated_image_id = $4,
    error_message = nullif($5, ''),
    retry_count = $6,
    gemini_duration_ms = $7,
    total_duration_ms = $8,
    completed_at = $9
where job_id = $1
  and item_index = $2
  and status in ('pending', 'running');
`

const QRecomputeJobCounters = `--sql d2576002-15f6-488b-831d-e299a602cfc6
update variation_jobs j
set completed_items  = c.completed,
    successful_items = c.successful,
    failed_items     = c.failed,
    updated_at       = $2
from (
  select count(*) filter (where status in ('completed', 'failed')) as completed,
         count(*) filter (where status = 'completed')              as successful,
         count(*) filter (where status = 'failed')                 as failed
  from variation_job_items
  where job_id = $1
) c
where j.id = $1;
`

const QCompleteBatchJob = `--sql f7298533-e17f-4e1b-8010-b179148adafb
update variation_jobs
set status = 'completed',
    completed_at = coalesce(completed_at, $2),
    updated_at = $2
where id = $1
  and status = 'running';
`

const QFailBatchJob = `--sql 979030b3-5aef-400c-bce8-a53b7154214a
update variation_jobs
set status = 'failed',
    error_message = $2,
    completed_at = coalesce(completed_at, $3),
    updated_at = $3
where id = $1
  and status in ('pending', 'running');
`

const QCancelBatchJob = `--sql 7c504168-558c-4123-adfb-af768776b544
update variation_jobs
set status = 'cancelled',
    completed_at = coalesce(completed_at, $2),
    updated_at = $2
where id = $1
  and status in ('pending', 'running')
returning id;
`

const QSkipPendingItems = `--sql b69e9128-3d45-4af3-86d5-f5f0baa121cd
update variation_job_items
set status = 'skipped',
    completed_at = coalesce(completed_at, $2)
where job_id = $1
  and status = 'pending';
`

const QListResumableJobs = `--sql 63e536d1-d10a-4333-8590-a7dff5232e27
select j.id, j.job_type, j.status, j.total_items, j.completed_items, j.successful_items, j.failed_items,
       j.config, coalesce(j.error_message, ''), j.created_at, j.updated_at, j.started_at, j.completed_at
from variation_jobs j
where (j.status in ('pending', 'running') and j.updated_at < $1)
   or (j.status in ('completed', 'failed', 'cancelled') and exists (
         select 1 from variation_job_items i
         where i.job_id = j.id and i.status in ('pending', 'running')))
order by j.created_at asc
limit $2;
`
