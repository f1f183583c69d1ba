package sqlinline

const QCreateGalleryItems = `--sql 3b8f0c2e-7d41-4a6e-9c55-0e2f6a9d1b74
create table if not exists gallery_items (
  id uuid primary key,
  batch_id uuid not null,
  slot int not null,
  attempt int not null,
  storage_key text not null,
  mime text not null,
  bytes int not null,
  width int not null,
  height int not null,
  shape text not null,
  color text not null,
  created_at timestamptz not null default now()
);
`

const QInsertGalleryItem = `--sql 9a2d6e41-58c3-4f0b-b1e7-6c4d2a8f3e90
insert into gallery_items(
  id,
  batch_id,
  slot,
  attempt,
  storage_key,
  mime,
  bytes,
  width,
  height,
  shape,
  color
) values (
  $1::uuid,
  $2::uuid,
  $3::int,
  $4::int,
  $5,
  $6,
  $7::int,
  $8::int,
  $9::int,
  $10,
  $11
);
`

const QListGalleryItemsByBatch = `--sql e4c71b08-2f9a-4d36-8e15-7a0b3c9d6f22
select
  id,
  slot,
  attempt,
  storage_key,
  mime,
  bytes,
  width,
  height,
  created_at
from gallery_items
where batch_id = $1::uuid
order by slot asc, created_at desc;
`

const QGetGalleryItemByKey = `--sql 5d0e8a37-c21f-4b96-a3e4-81f7b62c09d5
select
  id,
  slot,
  attempt,
  storage_key,
  mime,
  bytes,
  width,
  height,
  created_at
from gallery_items
where storage_key = $1
limit 1;
`
